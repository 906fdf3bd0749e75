// Package daemon is the composition root of the capture pipeline service:
// it owns the single-instance lock, opens the durable stores, wires the
// encoder and queue consumers together, and serves the local API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"protomedia/internal/config"
	"protomedia/internal/draft"
	"protomedia/internal/encoder"
	"protomedia/internal/jobqueue"
	"protomedia/internal/logging"
	"protomedia/internal/media"
	"protomedia/internal/scheduler"
	"protomedia/internal/statuscache"
	"protomedia/internal/upload"
)

// Daemon coordinates the background services and enforces single-instance
// execution.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	drafts   *draft.Store
	broker   *jobqueue.Broker
	queues   *jobqueue.Manager
	cache    *statuscache.Cache
	pipeline *Pipeline
	sched    *scheduler.Scheduler
	api      *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
}

// Status is the daemon runtime summary served to the CLI.
type Status struct {
	Running      bool
	Health       jobqueue.Health
	Queues       map[string]jobqueue.Stats
	CacheFresh   bool
	LockFilePath string
}

// New opens every dependency and wires the pipeline. The daemon is not
// running until Start.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("daemon requires config and logger")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	broker, err := jobqueue.OpenBroker(cfg, logger)
	if err != nil {
		return nil, err
	}
	drafts, err := draft.Open(cfg, logger)
	if err != nil {
		_ = broker.Close()
		return nil, err
	}

	cache := statuscache.New(cfg.StatusCachePath(), time.Duration(cfg.StatusCache.TTLSeconds)*time.Second, logger)
	queues := jobqueue.NewManager(cfg, broker, logger)
	enc := encoder.New(cfg.Encoder.Workers, logger)
	uploader := upload.NewClient(cfg.Upload)
	pipeline := NewPipeline(cfg, enc, drafts, queues, uploader, cache, logger)
	if err := pipeline.RegisterConsumers(); err != nil {
		_ = drafts.Close()
		_ = broker.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		drafts:   drafts,
		broker:   broker,
		queues:   queues,
		cache:    cache,
		pipeline: pipeline,
		lockPath: filepath.Join(cfg.Paths.LogDir, "protomedia.lock"),
	}
	d.lock = flock.New(d.lockPath)
	d.sched = d.buildScheduler(logger)
	d.api = newAPIServer(cfg, d, logger)
	return d, nil
}

func (d *Daemon) buildScheduler(logger *slog.Logger) *scheduler.Scheduler {
	interval := time.Duration(d.cfg.Scheduler.MaintenanceIntervalMin) * time.Minute
	sched := scheduler.New(interval, logger)

	sched.Register("queue-history-prune", func(ctx context.Context) error {
		pruned, err := d.queues.Prune(ctx)
		if err != nil {
			return err
		}
		if pruned > 0 {
			d.logger.Info("pruned job history", logging.Int64("jobs", pruned))
		}
		return nil
	})

	if days := d.cfg.Drafts.MaxAgeDays; days > 0 {
		maxAge := time.Duration(days) * 24 * time.Hour
		sched.Register("stale-draft-expiry", func(ctx context.Context) error {
			expired, err := d.drafts.ExpireStale(ctx, time.Now().Add(-maxAge))
			if err != nil {
				return err
			}
			if expired > 0 {
				d.logger.Info("expired stale drafts", logging.Int("drafts", expired))
			}
			return nil
		})
	}

	sched.Register("status-cache-probe", func(context.Context) error {
		d.logger.Debug("status cache probe", logging.Bool("fresh", d.cache.Fresh(time.Now())))
		return nil
	})

	return sched
}

// Start acquires the instance lock and brings services up in dependency
// order: encoder first, then queue consumers, then maintenance and the
// API.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another protomedia daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.pipeline.Start(runCtx); err != nil {
		d.abortStart()
		return fmt.Errorf("start pipeline: %w", err)
	}
	if err := d.queues.Start(runCtx); err != nil {
		d.pipeline.Stop()
		d.abortStart()
		return fmt.Errorf("start job queues: %w", err)
	}

	// Enforce retention immediately so a daemon restarted after a long
	// downtime doesn't carry unbounded history until the first interval.
	d.sched.RunAll(runCtx)
	if err := d.sched.Start(runCtx); err != nil {
		d.queues.Shutdown(d.shutdownGrace())
		d.pipeline.Stop()
		d.abortStart()
		return fmt.Errorf("start scheduler: %w", err)
	}
	if err := d.api.start(runCtx); err != nil {
		d.sched.Stop()
		d.queues.Shutdown(d.shutdownGrace())
		d.pipeline.Stop()
		d.abortStart()
		return err
	}

	d.running.Store(true)
	d.logger.Info("daemon started", logging.String("lock", d.lockPath))
	return nil
}

func (d *Daemon) abortStart() {
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	_ = d.lock.Unlock()
}

// Stop brings services down in reverse order. New intake is refused first,
// then in-flight work drains within the configured grace period.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	d.api.stop()
	d.sched.Stop()
	d.queues.Shutdown(d.shutdownGrace())
	d.pipeline.Stop()

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Close stops the daemon and releases the durable stores.
func (d *Daemon) Close() error {
	d.Stop()
	var errs []error
	if err := d.drafts.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (d *Daemon) shutdownGrace() time.Duration {
	return time.Duration(d.cfg.Queues.ShutdownGraceSec) * time.Second
}

// SubmitCapture feeds one captured photo into the pipeline.
func (d *Daemon) SubmitCapture(ctx context.Context, capture Capture) (string, error) {
	return d.pipeline.SubmitCapture(ctx, capture)
}

// BeginDraft opens the capture session for a protocol.
func (d *Daemon) BeginDraft(ctx context.Context, protocolID string, totalCount int) (*media.Draft, error) {
	return d.drafts.Begin(ctx, protocolID, totalCount)
}

// FindDraft returns a draft by protocol id, nil when absent.
func (d *Daemon) FindDraft(ctx context.Context, protocolID string) (*media.Draft, error) {
	return d.drafts.Find(ctx, protocolID)
}

// RecoverableDrafts lists incomplete drafts, most recently touched first.
func (d *Daemon) RecoverableDrafts(ctx context.Context) ([]*media.Draft, error) {
	return d.drafts.ListRecoverable(ctx)
}

// DiscardDraft disposes of a draft, its renditions, and any jobs for the
// protocol still waiting in the queues. Jobs already claimed by a worker run
// to completion; their handlers drop work for missing drafts on their own.
func (d *Daemon) DiscardDraft(ctx context.Context, protocolID string) error {
	if err := d.drafts.Discard(ctx, protocolID); err != nil {
		return err
	}
	if _, err := d.broker.DeleteByProtocol(ctx, protocolID); err != nil {
		return fmt.Errorf("delete queued jobs for discarded draft: %w", err)
	}
	return nil
}

// Status reports runtime state for the CLI and the local API.
func (d *Daemon) Status(ctx context.Context) Status {
	status := Status{
		Running:      d.running.Load(),
		Health:       d.queues.Health(ctx),
		CacheFresh:   d.cache.Fresh(time.Now()),
		LockFilePath: d.lockPath,
	}
	if stats, err := d.queues.Stats(ctx); err == nil {
		status.Queues = stats
	}
	return status
}
