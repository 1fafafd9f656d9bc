package commitsync

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrWebhookAuth    = errors.New("webhook authentication failed")
	ErrPayloadInvalid = errors.New("payload invalid")
	ErrResolution     = errors.New("no mapped container")
	ErrSyncSkipped    = errors.New("sync skipped")
)

// PayloadError carries the schema violation behind ErrPayloadInvalid.
type PayloadError struct {
	Kind string
	Err  error
}

func (e *PayloadError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid %s payload", e.Kind)
	}
	return fmt.Sprintf("invalid %s payload: %v", e.Kind, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}

func (e *PayloadError) Is(target error) bool {
	return target == ErrPayloadInvalid
}

// SkipError explains why an event produced no mutation.
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return "sync skipped: " + e.Reason
}

func (e *SkipError) Is(target error) bool {
	return target == ErrSyncSkipped
}

func skipped(reason string) error {
	return &SkipError{Reason: reason}
}
