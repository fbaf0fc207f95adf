package cgroup

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-rlm/pkg/errors"

	securejoin "github.com/cyphar/filepath-securejoin"
)

const maxNameLength = 64

// NameForPID is the cgroup name of a limited existing process
func NameForPID(pid int) string {
	return "pid-" + strconv.Itoa(pid)
}

// NameForRun is the cgroup name of a command started by run
func NameForRun(rlmPID int, now time.Time) string {
	return fmt.Sprintf("run-%d-%d", rlmPID, now.UnixNano())
}

// SanitizeName accepts only [A-Za-z0-9_-]; anything else is rejected, never rewritten
func SanitizeName(name string) (string, error) {
	if name == "" {
		return "", errors.NewValidationError("cgroup name cannot be empty", nil)
	}
	if len(name) > maxNameLength {
		return "", errors.NewValidationError(fmt.Sprintf("cgroup name longer than %d bytes", maxNameLength), nil).
			WithContext("name", name)
	}
	if strings.Contains(name, "..") {
		return "", errors.NewValidationError("cgroup name contains '..'", nil).WithContext("name", name)
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return "", errors.NewValidationError(fmt.Sprintf("cgroup name contains forbidden character %q", c), nil).
				WithContext("name", name)
		}
	}
	return name, nil
}

// joinManaged builds root/name and fails closed if the result is not a direct child of root
func joinManaged(root, name string) (string, error) {
	clean, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	joined, err := securejoin.SecureJoin(root, clean)
	if err != nil {
		return "", errors.NewValidationError("cannot build cgroup path", err).WithContext("name", name)
	}
	if joined != filepath.Join(root, clean) || filepath.Dir(joined) != filepath.Clean(root) {
		return "", errors.NewValidationError("cgroup path escapes the managed subtree", nil).
			WithContext("name", name).WithContext("path", joined)
	}
	return joined, nil
}

// isWithin reports whether path is strictly below root
func isWithin(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, "../")
}
