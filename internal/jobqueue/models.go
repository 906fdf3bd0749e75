// Package jobqueue implements the durable background work queues: a
// SQLite-backed broker for persistence plus the policy layer (bounded
// retry, exponential backoff, dead-lettering, stats, graceful shutdown)
// on top of it. The two queues are fully independent failure domains that
// share only the broker connection.
package jobqueue

import (
	"strings"
	"time"
)

// Queue names. Each has its own retry policy and worker pool.
const (
	QueueImageFinishing    = "image-finishing"
	QueueDocumentRendering = "document-rendering"
)

// Status represents the lifecycle of a queued job.
type Status string

const (
	// StatusWaiting jobs are eligible to run once next_run_at passes.
	StatusWaiting Status = "waiting"
	// StatusActive jobs are claimed by a worker.
	StatusActive Status = "active"
	// StatusCompleted jobs finished successfully; kept as bounded history.
	StatusCompleted Status = "completed"
	// StatusFailed jobs hit a permanent, non-retryable error; kept as
	// bounded history.
	StatusFailed Status = "failed"
	// StatusDead jobs exhausted their retry budget; retained for operator
	// inspection and never retried automatically.
	StatusDead Status = "dead"
)

var allStatuses = []Status{
	StatusWaiting,
	StatusActive,
	StatusCompleted,
	StatusFailed,
	StatusDead,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Terminal reports whether a status never re-enters waiting.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDead:
		return true
	default:
		return false
	}
}

// Job represents one unit of queued background work persisted in SQLite.
// The payload is opaque to the queue and interpreted by the consumer.
type Job struct {
	ID          string
	Queue       string
	Payload     []byte
	Status      Status
	Attempts    int
	MaxAttempts int
	BackoffBase time.Duration
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	NextRunAt   time.Time
}

// Stats is a per-queue count of jobs by lifecycle state.
type Stats struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
	Dead      int
}

// Health describes queue readiness for the external readiness probe.
type Health struct {
	BrokerReady bool
	QueueReady  map[string]bool
}

// Ready is the logical AND of broker readiness and every queue.
func (h Health) Ready() bool {
	if !h.BrokerReady {
		return false
	}
	for _, ready := range h.QueueReady {
		if !ready {
			return false
		}
	}
	return true
}

// ImageFinishingPayload is the consumer contract for the image-finishing
// queue.
type ImageFinishingPayload struct {
	ProtocolID       string   `json:"protocolId"`
	MediaItemID      string   `json:"mediaItemId"`
	RenditionRefs    []string `json:"renditionRefs"`
	TargetStorageKey string   `json:"targetStorageKey"`
}

// DocumentRenderingPayload is the consumer contract for the
// document-rendering queue.
type DocumentRenderingPayload struct {
	ProtocolID  string `json:"protocolId"`
	TemplateRef string `json:"templateRef"`
	DataRef     string `json:"dataRef"`
}

// backoffDelay computes the wait before the next attempt following failure
// number attempts: base * 2^(attempts-1). No jitter.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}
