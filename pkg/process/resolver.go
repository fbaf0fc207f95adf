package process

import (
	"fmt"
	"os"
	"strings"

	"github.com/core-tools/hsu-rlm/pkg/errors"
	"github.com/core-tools/hsu-rlm/pkg/logging"
	"github.com/core-tools/hsu-rlm/pkg/processstate"
)

// Target is one resolved live process
type Target struct {
	PID       int
	Name      string
	StartTime uint64
}

// Resolution is the outcome of resolving a Selector. More than one target is
// not an error; the caller decides whether to confirm.
type Resolution struct {
	Selector Selector
	Targets  []Target
}

func (r *Resolution) Ambiguous() bool {
	return len(r.Targets) > 1
}

// Resolver maps selectors to live processes
type Resolver struct {
	procs  *processstate.ProcFS
	self   int
	logger logging.Logger
}

func NewResolver(procs *processstate.ProcFS, logger logging.Logger) *Resolver {
	return &Resolver{
		procs:  procs,
		self:   os.Getpid(),
		logger: logger,
	}
}

// Resolve returns targets in ascending PID order
func (r *Resolver) Resolve(sel Selector) (*Resolution, error) {
	switch sel.Kind {
	case SelectorPID:
		return r.resolvePID(sel)
	case SelectorName:
		return r.resolveName(sel)
	default:
		return nil, errors.NewValidationError("unknown selector kind: "+string(sel.Kind), nil)
	}
}

func (r *Resolver) resolvePID(sel Selector) (*Resolution, error) {
	if sel.PID == r.self {
		return nil, errors.NewValidationError("refusing to target rlm itself", nil).WithContext("pid", sel.PID)
	}
	p, err := r.procs.Get(sel.PID)
	if err != nil {
		return nil, err
	}
	if p.Stat.IsZombie() {
		return nil, errors.NewNotFoundError(fmt.Sprintf("process %d has exited", sel.PID), nil).WithContext("pid", sel.PID)
	}
	if p.Stat.IsKernelThread() {
		return nil, errors.NewValidationError(fmt.Sprintf("process %d is a kernel thread", sel.PID), nil).WithContext("pid", sel.PID)
	}
	return &Resolution{Selector: sel, Targets: []Target{toTarget(p)}}, nil
}

func (r *Resolver) resolveName(sel Selector) (*Resolution, error) {
	procs, err := r.procs.List()
	if err != nil {
		return nil, err
	}

	res := &Resolution{Selector: sel}
	for _, p := range procs {
		if p.PID == r.self || p.Stat.IsKernelThread() || p.Stat.IsZombie() {
			continue
		}
		if MatchesName(p, sel.Name) {
			res.Targets = append(res.Targets, toTarget(p))
		}
	}
	if len(res.Targets) == 0 {
		return nil, errors.NewNotFoundError(fmt.Sprintf("no process named %q", sel.Name), nil).WithContext("name", sel.Name)
	}

	r.logger.Debugf("Resolved name, name: %s, matches: %d", sel.Name, len(res.Targets))
	return res, nil
}

// MatchesName compares against comm, then the executable basename. A
// full-length comm that truncates a longer basename stands for that basename,
// so only the full name matches it.
func MatchesName(p processstate.Process, name string) bool {
	base := p.ExeBase()
	if p.Comm == name {
		truncated := len(p.Comm) == processstate.CommMaxLen && len(base) > len(p.Comm) && strings.HasPrefix(base, p.Comm)
		return !truncated
	}
	return base == name
}

func toTarget(p processstate.Process) Target {
	name := p.Comm
	if base := p.ExeBase(); base != "" && len(p.Comm) == processstate.CommMaxLen && strings.HasPrefix(base, p.Comm) {
		name = base
	}
	return Target{PID: p.PID, Name: name, StartTime: p.Stat.StartTime}
}
