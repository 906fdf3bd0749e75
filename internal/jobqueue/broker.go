package jobqueue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"protomedia/internal/config"
	"protomedia/internal/faults"
	"protomedia/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is the current broker schema version. Bump on changes;
// users must clear the job database afterwards.
const schemaVersion = 1

// ErrSchemaMismatch indicates the job database was written by a different
// schema version.
var ErrSchemaMismatch = errors.New("job schema version mismatch")

// Broker is the durable persistence layer underneath both queues. One
// broker connection exists per process and is shared by the queues.
type Broker struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// OpenBroker initializes or connects to the job database.
func OpenBroker(cfg *config.Config, logger *slog.Logger) (*Broker, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "jobs.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	broker := &Broker{
		db:     db,
		path:   dbPath,
		logger: logging.NewComponentLogger(logger, "jobbroker"),
	}
	if err := broker.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return broker, nil
}

// Close releases the broker connection.
func (b *Broker) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// Ping verifies the broker connection is usable.
func (b *Broker) Ping(ctx context.Context) error {
	if b == nil || b.db == nil {
		return faults.Wrap(faults.ErrBrokerUnavailable, "jobbroker", "ping", "connection closed", nil)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.db.PingContext(pingCtx); err != nil {
		return faults.Wrap(faults.ErrBrokerUnavailable, "jobbroker", "ping", "", err)
	}
	return nil
}

func (b *Broker) initSchema(ctx context.Context) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var version int
	row := tx.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1")
	switch err := row.Scan(&version); {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: database has version %d, expected %d (clear the job database)",
			ErrSchemaMismatch, version, schemaVersion)
	}

	return tx.Commit()
}

// Insert persists a new waiting job.
func (b *Broker) Insert(ctx context.Context, queue string, payload []byte, maxAttempts int, backoffBase time.Duration) (*Job, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	id := uuid.NewString()

	_, err := b.db.ExecContext(ctx,
		`INSERT INTO jobs (
            id, queue, payload, status, attempts, max_attempts, backoff_base_ms,
            created_at, updated_at, next_run_at
        ) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		id,
		queue,
		string(payload),
		StatusWaiting,
		maxAttempts,
		backoffBase.Milliseconds(),
		timestamp,
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, faults.Wrap(faults.ErrBrokerUnavailable, "jobbroker", "insert", "", err)
	}
	return b.GetByID(ctx, id)
}

// GetByID fetches a job by identifier, or nil when absent.
func (b *Broker) GetByID(ctx context.Context, id string) (*Job, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically claims the oldest runnable waiting job on a queue,
// marking it active and counting the attempt. Returns nil when no job is
// due.
func (b *Broker) ClaimNext(ctx context.Context, queue string, now time.Time) (*Job, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	nowStr := now.UTC().Format(time.RFC3339Nano)
	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE queue = ? AND status = ? AND next_run_at <= ?
         ORDER BY created_at LIMIT 1`,
		queue, StatusWaiting, nowStr)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	job.Attempts++
	job.Status = StatusActive
	job.UpdatedAt = now.UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = ?, updated_at = ? WHERE id = ?`,
		StatusActive, job.Attempts, nowStr, job.ID); err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return job, nil
}

// MarkCompleted records a successful execution.
func (b *Broker) MarkCompleted(ctx context.Context, id string) error {
	return b.setTerminal(ctx, id, StatusCompleted, "")
}

// MarkFailed records a permanent, non-retryable failure.
func (b *Broker) MarkFailed(ctx context.Context, id string, lastError string) error {
	return b.setTerminal(ctx, id, StatusFailed, lastError)
}

// MarkDead records an exhausted retry budget. Dead jobs never re-enter
// waiting automatically.
func (b *Broker) MarkDead(ctx context.Context, id string, lastError string) error {
	return b.setTerminal(ctx, id, StatusDead, lastError)
}

func (b *Broker) setTerminal(ctx context.Context, id string, status Status, lastError string) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		status,
		nullableString(lastError),
		time.Now().UTC().Format(time.RFC3339Nano),
		id)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	return nil
}

// Requeue schedules another attempt after the given delay.
func (b *Broker) Requeue(ctx context.Context, id string, delay time.Duration, lastError string) error {
	now := time.Now().UTC()
	_, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, last_error = ?, updated_at = ?, next_run_at = ? WHERE id = ?`,
		StatusWaiting,
		nullableString(lastError),
		now.Format(time.RFC3339Nano),
		now.Add(delay).Format(time.RFC3339Nano),
		id)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	return nil
}

// ResetStuckActive returns active jobs to waiting. Called at startup to
// recover jobs orphaned by a previous crash; redelivery is at-least-once.
func (b *Broker) ResetStuckActive(ctx context.Context, queue string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ?, next_run_at = ? WHERE queue = ? AND status = ?`,
		StatusWaiting, now, now, queue, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("reset stuck jobs: %w", err)
	}
	return res.RowsAffected()
}

// RequeueTerminal moves failed and dead jobs on a queue back to waiting.
// Manual operator action, never automatic.
func (b *Broker) RequeueTerminal(ctx context.Context, queue string) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := b.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, attempts = 0, last_error = NULL, updated_at = ?, next_run_at = ?
         WHERE queue = ? AND status IN (?, ?)`,
		StatusWaiting, now, now, queue, StatusFailed, StatusDead)
	if err != nil {
		return 0, fmt.Errorf("requeue terminal jobs: %w", err)
	}
	return res.RowsAffected()
}

// Stats returns the per-status job counts for one queue.
func (b *Broker) Stats(ctx context.Context, queue string) (Stats, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT status, COUNT(1) FROM jobs WHERE queue = ? GROUP BY status`, queue)
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats Stats
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, err
		}
		switch status {
		case StatusWaiting:
			stats.Waiting = count
		case StatusActive:
			stats.Active = count
		case StatusCompleted:
			stats.Completed = count
		case StatusFailed:
			stats.Failed = count
		case StatusDead:
			stats.Dead = count
		}
	}
	return stats, rows.Err()
}

// List returns jobs on a queue filtered by status set (or all jobs when no
// status is provided), oldest first.
func (b *Broker) List(ctx context.Context, queue string, statuses ...Status) ([]*Job, error) {
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs WHERE queue = ?`
	orderClause := ` ORDER BY created_at`
	args := []any{queue}

	query := baseQuery + orderClause
	if len(statuses) > 0 {
		placeholders := makePlaceholders(len(statuses))
		for _, status := range statuses {
			args = append(args, status)
		}
		query = baseQuery + ` AND status IN (` + placeholders + `)` + orderClause
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// PruneHistory evicts terminal jobs beyond the retention bounds, oldest
// first. History covers completed and failed; the dead-letter set has its
// own bound.
func (b *Broker) PruneHistory(ctx context.Context, queue string, historyLimit, deadLimit int) (int64, error) {
	var total int64
	for _, bound := range []struct {
		statuses []Status
		limit    int
	}{
		{[]Status{StatusCompleted, StatusFailed}, historyLimit},
		{[]Status{StatusDead}, deadLimit},
	} {
		if bound.limit <= 0 {
			continue
		}
		placeholders := makePlaceholders(len(bound.statuses))
		args := []any{queue}
		for _, status := range bound.statuses {
			args = append(args, status)
		}
		args = append(args, queue)
		for _, status := range bound.statuses {
			args = append(args, status)
		}
		args = append(args, bound.limit)

		query := `DELETE FROM jobs WHERE queue = ? AND status IN (` + placeholders + `)
            AND id NOT IN (
                SELECT id FROM jobs WHERE queue = ? AND status IN (` + placeholders + `)
                ORDER BY updated_at DESC LIMIT ?
            )`
		res, err := b.db.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("prune history: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("rows affected: %w", err)
		}
		total += affected
	}
	return total, nil
}

// ClearHistory removes every terminal job for a queue.
func (b *Broker) ClearHistory(ctx context.Context, queue string) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE queue = ? AND status IN (?, ?, ?)`,
		queue, StatusCompleted, StatusFailed, StatusDead)
	if err != nil {
		return 0, fmt.Errorf("clear history: %w", err)
	}
	return res.RowsAffected()
}

// DeleteByProtocol removes waiting jobs whose payload references a protocol.
// Used when a draft is discarded together with its queued finishing work.
func (b *Broker) DeleteByProtocol(ctx context.Context, protocolID string) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = ? AND payload LIKE ?`,
		StatusWaiting,
		`%"protocolId":"`+protocolID+`"%`)
	if err != nil {
		return 0, fmt.Errorf("delete jobs by protocol: %w", err)
	}
	return res.RowsAffected()
}

const jobColumns = "id, queue, payload, status, attempts, max_attempts, backoff_base_ms, last_error, created_at, updated_at, next_run_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id          string
		queue       string
		payload     string
		statusStr   string
		attempts    int
		maxAttempts int
		backoffMs   int64
		lastError   sql.NullString
		createdRaw  string
		updatedRaw  string
		nextRunRaw  string
	)
	if err := scanner.Scan(
		&id,
		&queue,
		&payload,
		&statusStr,
		&attempts,
		&maxAttempts,
		&backoffMs,
		&lastError,
		&createdRaw,
		&updatedRaw,
		&nextRunRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:          id,
		Queue:       queue,
		Payload:     []byte(payload),
		Status:      Status(statusStr),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		BackoffBase: time.Duration(backoffMs) * time.Millisecond,
		LastError:   lastError.String,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = updated
	}
	if nextRun, err := parseTimeString(nextRunRaw); err == nil {
		job.NextRunAt = nextRun
	}
	return job, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	placeholders := make([]byte, 0, count*2)
	for i := 0; i < count; i++ {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
	}
	return string(placeholders)
}
