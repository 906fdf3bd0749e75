package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"protomedia/internal/config"
	"protomedia/internal/faults"
	"protomedia/internal/logging"
)

// Handler executes one job attempt. A nil return completes the job; an
// error routes through the retry policy (transient errors re-enter waiting
// with backoff, permanent errors go terminal).
type Handler func(ctx context.Context, job *Job) error

// Policy is the runtime retry/worker policy for one queue.
type Policy struct {
	Workers         int
	MaxAttempts     int
	BackoffBase     time.Duration
	AttemptTimeout  time.Duration
	PollInterval    time.Duration
	HistoryLimit    int
	DeadLetterLimit int
}

// PolicyFromConfig converts the TOML policy section into runtime form.
func PolicyFromConfig(p config.QueuePolicy) Policy {
	return Policy{
		Workers:         p.Workers,
		MaxAttempts:     p.MaxAttempts,
		BackoffBase:     time.Duration(p.BackoffBaseMs) * time.Millisecond,
		AttemptTimeout:  time.Duration(p.AttemptTimeoutSec) * time.Second,
		PollInterval:    time.Duration(p.PollIntervalSec) * time.Second,
		HistoryLimit:    p.HistoryLimit,
		DeadLetterLimit: p.DeadLetterLimit,
	}
}

type queueRuntime struct {
	name    string
	policy  Policy
	handler Handler
	logger  *slog.Logger
}

// Manager owns both named queues: intake, worker pools, retry policy,
// health, and shutdown ordering.
type Manager struct {
	broker *Broker
	logger *slog.Logger

	mu       sync.RWMutex
	queues   map[string]*queueRuntime
	running  bool
	draining bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager constructs a manager over an open broker with the two queue
// policies from configuration.
func NewManager(cfg *config.Config, broker *Broker, logger *slog.Logger) *Manager {
	m := &Manager{
		broker: broker,
		logger: logging.NewComponentLogger(logger, "jobqueue"),
		queues: make(map[string]*queueRuntime),
	}
	m.configure(QueueImageFinishing, PolicyFromConfig(cfg.Queues.ImageFinishing))
	m.configure(QueueDocumentRendering, PolicyFromConfig(cfg.Queues.DocumentRendering))
	return m
}

// NewManagerWithPolicies constructs a manager with explicit policies.
// Used by tests that need sub-second backoff and polling.
func NewManagerWithPolicies(broker *Broker, logger *slog.Logger, policies map[string]Policy) *Manager {
	m := &Manager{
		broker: broker,
		logger: logging.NewComponentLogger(logger, "jobqueue"),
		queues: make(map[string]*queueRuntime),
	}
	for name, policy := range policies {
		m.configure(name, policy)
	}
	return m
}

func (m *Manager) configure(name string, policy Policy) {
	m.queues[name] = &queueRuntime{
		name:   name,
		policy: policy,
		logger: m.logger.With(logging.String(logging.FieldQueue, name)),
	}
}

// RegisterHandler binds the consumer for one queue. Must be called before
// Start.
func (m *Manager) RegisterHandler(queue string, handler Handler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rt, ok := m.queues[queue]
	if !ok {
		return fmt.Errorf("unknown queue %q", queue)
	}
	rt.handler = handler
	return nil
}

// Enqueue accepts work onto a queue. Durability is the broker's concern;
// the only local failure mode is the broker connection being down, which
// surfaces synchronously as ErrBrokerUnavailable so the caller can hold
// the work and retry the enqueue later.
func (m *Manager) Enqueue(ctx context.Context, queue string, payload any) (string, error) {
	m.mu.RLock()
	rt, ok := m.queues[queue]
	draining := m.draining
	m.mu.RUnlock()
	if !ok {
		return "", faults.Wrap(faults.ErrValidation, "jobqueue", "enqueue",
			fmt.Sprintf("unknown queue %q", queue), nil)
	}
	if draining {
		return "", faults.Wrap(faults.ErrBrokerUnavailable, "jobqueue", "enqueue", "queue shutting down", nil)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", faults.Wrap(faults.ErrValidation, "jobqueue", "enqueue", "payload not serializable", err)
	}

	job, err := m.broker.Insert(ctx, queue, data, rt.policy.MaxAttempts, rt.policy.BackoffBase)
	if err != nil {
		return "", err
	}
	rt.logger.Debug("job enqueued", logging.String(logging.FieldJobID, job.ID))
	return job.ID, nil
}

// Start resets jobs orphaned by a previous crash and launches the worker
// pools. Each queue is an independent failure domain; a backlog on one
// never blocks the other.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("jobqueue already running")
	}
	for name, rt := range m.queues {
		if rt.handler == nil {
			m.mu.Unlock()
			return fmt.Errorf("queue %q has no handler", name)
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.draining = false

	for _, rt := range m.queues {
		if reclaimed, err := m.broker.ResetStuckActive(runCtx, rt.name); err != nil {
			rt.logger.Warn("failed to reclaim orphaned jobs",
				logging.Error(err),
				logging.String(logging.FieldEventType, "job_reclaim_failed"))
		} else if reclaimed > 0 {
			rt.logger.Info("reclaimed orphaned jobs", logging.Int64("count", reclaimed))
		}
		m.wg.Add(rt.policy.Workers)
		for i := 0; i < rt.policy.Workers; i++ {
			go m.runWorker(runCtx, rt)
		}
	}
	m.mu.Unlock()

	m.logger.Info("job queues started", logging.Int("queues", len(m.queues)))
	return nil
}

// Shutdown stops accepting new work, waits for in-flight jobs up to the
// grace period, then releases the workers. Jobs still active after the
// grace period are abandoned mid-attempt; broker reclaim at next startup
// redelivers them (at-least-once).
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.draining = true
	cancel := m.cancel
	m.running = false
	m.cancel = nil
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("job queues drained")
	case <-time.After(grace):
		m.logger.Warn("shutdown grace period elapsed with jobs in flight",
			logging.String(logging.FieldEventType, "queue_shutdown_timeout"),
			logging.String(logging.FieldImpact, "active jobs will be redelivered on next start"))
	}
}

// Health reports broker and per-queue readiness. A queue is ready when it
// has a bound handler and the manager is not draining.
func (m *Manager) Health(ctx context.Context) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := Health{
		BrokerReady: m.broker.Ping(ctx) == nil,
		QueueReady:  make(map[string]bool, len(m.queues)),
	}
	for name, rt := range m.queues {
		health.QueueReady[name] = rt.handler != nil && !m.draining
	}
	return health
}

// Stats returns the per-queue job counts.
func (m *Manager) Stats(ctx context.Context) (map[string]Stats, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	m.mu.RUnlock()

	out := make(map[string]Stats, len(names))
	for _, name := range names {
		stats, err := m.broker.Stats(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = stats
	}
	return out, nil
}

// Prune evicts terminal job history beyond each queue's retention bounds.
func (m *Manager) Prune(ctx context.Context) (int64, error) {
	m.mu.RLock()
	runtimes := make([]*queueRuntime, 0, len(m.queues))
	for _, rt := range m.queues {
		runtimes = append(runtimes, rt)
	}
	m.mu.RUnlock()

	var total int64
	for _, rt := range runtimes {
		pruned, err := m.broker.PruneHistory(ctx, rt.name, rt.policy.HistoryLimit, rt.policy.DeadLetterLimit)
		if err != nil {
			return total, err
		}
		total += pruned
	}
	return total, nil
}

func (m *Manager) runWorker(ctx context.Context, rt *queueRuntime) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := m.broker.ClaimNext(ctx, rt.name, time.Now())
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			rt.logger.Error("failed to claim next job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "job_claim_failed"),
				logging.String(logging.FieldErrorHint, "check job database access"))
			if !sleepOrDone(ctx, rt.policy.PollInterval) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepOrDone(ctx, rt.policy.PollInterval) {
				return
			}
			continue
		}

		m.executeJob(ctx, rt, job)
	}
}

func (m *Manager) executeJob(ctx context.Context, rt *queueRuntime, job *Job) {
	attemptCtx := ctx
	cancel := context.CancelFunc(func() {})
	if rt.policy.AttemptTimeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, rt.policy.AttemptTimeout)
	}
	err := rt.handler(attemptCtx, job)
	cancel()

	// A timed-out attempt follows the same retry path as a thrown error.
	if err == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		err = faults.Wrap(faults.ErrTimeout, "jobqueue", "execute", "attempt deadline elapsed", attemptCtx.Err())
	} else if errors.Is(err, context.DeadlineExceeded) {
		err = faults.Wrap(faults.ErrTimeout, "jobqueue", "execute", "attempt deadline elapsed", err)
	}

	// Use a fresh context for bookkeeping so a shutdown cancel cannot lose
	// the outcome of an attempt that already ran.
	recordCtx, recordCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer recordCancel()

	switch {
	case err == nil:
		if markErr := m.broker.MarkCompleted(recordCtx, job.ID); markErr != nil {
			rt.logger.Error("failed to record completion", logging.Error(markErr),
				logging.String(logging.FieldJobID, job.ID))
			return
		}
		rt.logger.Debug("job completed",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("attempts", job.Attempts))

	case !faults.Retryable(err):
		if markErr := m.broker.MarkFailed(recordCtx, job.ID, err.Error()); markErr != nil {
			rt.logger.Error("failed to record permanent failure", logging.Error(markErr),
				logging.String(logging.FieldJobID, job.ID))
			return
		}
		rt.logger.Warn("job failed permanently",
			logging.String(logging.FieldJobID, job.ID),
			logging.Error(err),
			logging.String(logging.FieldEventType, "job_permanent_failure"))

	case job.Attempts >= job.MaxAttempts:
		if markErr := m.broker.MarkDead(recordCtx, job.ID, err.Error()); markErr != nil {
			rt.logger.Error("failed to record dead letter", logging.Error(markErr),
				logging.String(logging.FieldJobID, job.ID))
			return
		}
		rt.logger.Error("job dead-lettered after exhausting retries",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("attempts", job.Attempts),
			logging.Error(err),
			logging.String(logging.FieldEventType, "job_dead_letter"),
			logging.String(logging.FieldErrorHint, "inspect with 'protomedia queue status' and requeue manually"))

	default:
		delay := backoffDelay(job.BackoffBase, job.Attempts)
		if markErr := m.broker.Requeue(recordCtx, job.ID, delay, err.Error()); markErr != nil {
			rt.logger.Error("failed to requeue job", logging.Error(markErr),
				logging.String(logging.FieldJobID, job.ID))
			return
		}
		rt.logger.Warn("job attempt failed, retrying with backoff",
			logging.String(logging.FieldJobID, job.ID),
			logging.Int("attempts", job.Attempts),
			logging.Duration("delay", delay),
			logging.Error(err))
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
