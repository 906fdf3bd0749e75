// Package faults defines the error taxonomy shared by the capture pipeline
// components. Errors are tagged with one of the exported sentinel markers so
// that callers (most importantly the job queue retry policy) can classify
// failures without inspecting message text.
package faults

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks failures worth retrying: network hiccups,
	// momentary broker trouble, timeouts against flaky collaborators.
	ErrTransient = errors.New("transient failure")
	// ErrValidation marks permanently malformed input; never retried.
	ErrValidation = errors.New("validation error")
	// ErrDecode marks a source image that cannot be decoded or encoded.
	// Scoped to a single media item, never retried automatically.
	ErrDecode = errors.New("decode error")
	// ErrCorruptState marks unreadable persisted bytes in a local store.
	// Recovery is self-healing: the corrupt record is deleted.
	ErrCorruptState = errors.New("corrupt local state")
	// ErrBrokerUnavailable marks a queue that cannot accept new work because
	// the underlying broker connection is down.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrNotFound marks a missing draft, item, or job.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists marks an attempt to create a record that exists.
	ErrAlreadyExists = errors.New("already exists")
	// ErrTimeout marks a per-attempt execution deadline that elapsed.
	// Treated like ErrTransient by the retry policy.
	ErrTimeout = errors.New("timeout")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Retryable reports whether the retry policy should schedule another attempt
// for err. Validation, decode, and corrupt-state failures are structural and
// never retried; everything else is assumed transient.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrDecode),
		errors.Is(err, ErrCorruptState),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyExists):
		return false
	default:
		return true
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "pipeline failure"
	}
	return strings.Join(parts, ": ")
}
