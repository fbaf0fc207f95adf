package process

import (
	"strconv"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/errors"
)

// SelectorKind tells how a target was named
type SelectorKind string

const (
	SelectorPID  SelectorKind = "pid"
	SelectorName SelectorKind = "name"
)

// Selector names the target(s) of an operation
type Selector struct {
	Kind SelectorKind
	PID  int
	Name string
}

func PIDSelector(pid int) Selector {
	return Selector{Kind: SelectorPID, PID: pid}
}

func NameSelector(name string) Selector {
	return Selector{Kind: SelectorName, Name: name}
}

// ParseSelector accepts "pid=N", "name=X", a bare PID or a bare name
func ParseSelector(input string) (Selector, error) {
	s := strings.TrimSpace(input)
	switch {
	case s == "":
		return Selector{}, errors.NewValidationError("target cannot be empty", nil)
	case strings.HasPrefix(s, "pid="):
		pid, err := ValidatePID(strings.TrimPrefix(s, "pid="))
		if err != nil {
			return Selector{}, err
		}
		return PIDSelector(pid), nil
	case strings.HasPrefix(s, "name="):
		name := strings.TrimPrefix(s, "name=")
		if name == "" {
			return Selector{}, errors.NewValidationError("process name cannot be empty", nil)
		}
		return NameSelector(name), nil
	}
	if pid, err := strconv.Atoi(s); err == nil {
		if pid <= 0 {
			return Selector{}, errors.NewValidationError("PID must be positive: "+s, nil)
		}
		return PIDSelector(pid), nil
	}
	return NameSelector(s), nil
}

func (s Selector) String() string {
	if s.Kind == SelectorPID {
		return "pid=" + strconv.Itoa(s.PID)
	}
	return "name=" + s.Name
}
