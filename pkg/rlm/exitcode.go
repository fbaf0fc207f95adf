package rlm

import "github.com/core-tools/hsu-rlm/pkg/errors"

// Exit codes of the command surface
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitPermission = 3
	ExitNotFound   = 4
	ExitAmbiguous  = 5
	ExitPartial    = 6
)

// ExitCode maps an error to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch errors.TypeOf(err) {
	case errors.ErrorTypeValidation, errors.ErrorTypeConfig:
		return ExitValidation
	case errors.ErrorTypePermission:
		return ExitPermission
	case errors.ErrorTypeNotFound:
		return ExitNotFound
	case errors.ErrorTypeAmbiguous:
		return ExitAmbiguous
	case errors.ErrorTypePartialBatch:
		return ExitPartial
	default:
		return ExitFailure
	}
}
