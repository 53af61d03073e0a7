package apperrors

import (
	"context"
	"errors"
)

// Failure reasons reported per artifact.
const (
	ReasonTimeout   = "timeout"
	ReasonNotFound  = "not-found"
	ReasonChecksum  = "checksum-mismatch"
	ReasonTransient = "transient"
	ReasonStageIO   = "stage-io"
	ReasonCancelled = "cancelled"
	ReasonConfig    = "config"
	ReasonError     = "error"
)

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimeout)
}

// Reason maps an error to the short failure reason used in reports.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, context.Canceled):
		return ReasonCancelled
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrChecksum):
		return ReasonChecksum
	case errors.Is(err, ErrTransient):
		return ReasonTransient
	case errors.Is(err, ErrStageIO):
		return ReasonStageIO
	case errors.Is(err, ErrConfig):
		return ReasonConfig
	default:
		return ReasonError
	}
}
