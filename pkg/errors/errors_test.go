package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainError_Creation(t *testing.T) {
	cause := errors.New("underlying error")

	err := NewCgroupWriteError("write memory.max", cause)

	assert.Equal(t, ErrorTypeCgroupWrite, err.Type)
	assert.Equal(t, "write memory.max", err.Message)
	assert.Equal(t, cause, err.Cause)
	assert.NotNil(t, err.Context)
}

func TestDomainError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		error    *DomainError
		expected string
	}{
		{
			name:     "error without cause",
			error:    NewValidationError("memory must be at least 1M", nil),
			expected: "validation: memory must be at least 1M",
		},
		{
			name:     "error with cause",
			error:    NewStateCorruptionError("cannot parse state file", errors.New("yaml: line 3")),
			expected: "state_corruption: cannot parse state file: yaml: line 3",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.error.Error())
		})
	}
}

func TestDomainError_TypeChecking(t *testing.T) {
	notFound := NewNotFoundError("no process named foo", nil)
	wrapped := fmt.Errorf("limit: %w", NewAmbiguousError("3 processes match", nil))

	assert.True(t, IsNotFoundError(notFound))
	assert.False(t, IsAmbiguousError(notFound))
	assert.True(t, IsAmbiguousError(wrapped))
	assert.Equal(t, ErrorTypeAmbiguous, TypeOf(wrapped))
	assert.Equal(t, ErrorType(""), TypeOf(errors.New("plain")))

	assert.True(t, errors.Is(wrapped, &DomainError{Type: ErrorTypeAmbiguous}))
	assert.False(t, errors.Is(wrapped, &DomainError{Type: ErrorTypeBusy}))
}

func TestDomainError_ContextValue(t *testing.T) {
	err := fmt.Errorf("apply: %w", NewPermissionError("cannot create cgroup", nil).WithContext("path", "/sys/fs/cgroup/rlm"))

	v, ok := ContextValue(err, "path")
	require.True(t, ok)
	assert.Equal(t, "/sys/fs/cgroup/rlm", v)

	_, ok = ContextValue(err, "pid")
	assert.False(t, ok)
}

func TestErrorCollection(t *testing.T) {
	c := NewErrorCollection()
	assert.NoError(t, c.ToError())

	c.Add(nil)
	assert.False(t, c.HasErrors())

	c.Add(NewNotFoundError("pid 1 gone", nil))
	c.Add(NewCgroupWriteError("cpu.max rejected", nil))

	err := c.ToError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 errors occurred")
	assert.True(t, IsCgroupWriteError(err))
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsPermissionError(err))

	// a later branch is found through fmt wrapping too
	wrapped := fmt.Errorf("batch: %w", err)
	assert.True(t, IsCgroupWriteError(wrapped))

	// the cause of a domain error does not change its type
	outer := NewConfigError("bad profile", NewValidationError("bad name", nil))
	assert.True(t, IsConfigError(outer))
	assert.False(t, IsValidationError(outer))
}
