package faults_test

import (
	"errors"
	"fmt"
	"testing"

	"protomedia/internal/faults"
)

func TestWrapTagsMarker(t *testing.T) {
	base := errors.New("connection reset")
	err := faults.Wrap(faults.ErrTransient, "jobqueue", "enqueue", "broker write failed", base)
	if !errors.Is(err, faults.ErrTransient) {
		t.Fatalf("expected ErrTransient marker, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped cause to survive, got %v", err)
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := faults.Wrap(nil, "upload", "put", "unexpected status", nil)
	if !errors.Is(err, faults.ErrTransient) {
		t.Fatalf("nil marker should default to transient, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		expect bool
	}{
		{"nil", nil, false},
		{"transient", faults.Wrap(faults.ErrTransient, "q", "run", "", nil), true},
		{"timeout", faults.Wrap(faults.ErrTimeout, "q", "run", "", nil), true},
		{"broker", faults.ErrBrokerUnavailable, true},
		{"validation", faults.Wrap(faults.ErrValidation, "q", "run", "bad payload", nil), false},
		{"decode", faults.Wrap(faults.ErrDecode, "encoder", "decode", "", nil), false},
		{"corrupt", faults.ErrCorruptState, false},
		{"untagged", fmt.Errorf("plain error"), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := faults.Retryable(tc.err); got != tc.expect {
				t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.expect)
			}
		})
	}
}
