// Package draft persists in-progress multi-photo capture sessions so they
// survive restarts, crashes, and lost connectivity. One draft exists per
// protocol; rendition bytes live on disk beside the database, keyed by item
// id, so the draft record itself stays small and cheap to rewrite.
package draft

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"protomedia/internal/config"
	"protomedia/internal/faults"
	"protomedia/internal/logging"
	"protomedia/internal/media"
)

// Store manages draft persistence backed by SQLite.
type Store struct {
	db           *sql.DB
	path         string
	renditionDir string
	logger       *slog.Logger
}

// Open initializes or connects to the draft database and applies migrations.
func Open(cfg *config.Config, logger *slog.Logger) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.DataDir, "drafts.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{
		db:           db,
		path:         dbPath,
		renditionDir: cfg.RenditionDir(),
		logger:       logging.NewComponentLogger(logger, "draftstore"),
	}
	if err := store.applyMigrations(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Begin creates a new draft for a protocol. It fails with ErrAlreadyExists
// when an active draft for that protocol is present; callers that want
// resume semantics should check Find first.
func (s *Store) Begin(ctx context.Context, protocolID string, totalCount int) (*media.Draft, error) {
	if protocolID == "" {
		return nil, faults.Wrap(faults.ErrValidation, "draftstore", "begin", "protocol id required", nil)
	}
	if totalCount < 1 {
		return nil, faults.Wrap(faults.ErrValidation, "draftstore", "begin", "total count must be positive", nil)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO drafts (protocol_id, total_count, created_at, last_modified_at)
         VALUES (?, ?, ?, ?)`,
		protocolID,
		totalCount,
		timestamp,
		timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, faults.Wrap(faults.ErrAlreadyExists, "draftstore", "begin",
				fmt.Sprintf("draft for protocol %s exists", protocolID), nil)
		}
		return nil, fmt.Errorf("insert draft: %w", err)
	}

	s.logger.Info("draft started",
		logging.String(logging.FieldProtocolID, protocolID),
		logging.Int("total_count", totalCount))
	return s.Find(ctx, protocolID)
}

// AddItem registers a captured photo on an existing draft. An empty item id
// gets a generated identifier. The item starts in pending state.
func (s *Store) AddItem(ctx context.Context, protocolID, itemID string, sourceSize int64) (*media.Item, error) {
	if itemID == "" {
		itemID = uuid.NewString()
	}

	draft, err := s.Find(ctx, protocolID)
	if err != nil {
		return nil, err
	}
	if draft == nil {
		return nil, faults.Wrap(faults.ErrNotFound, "draftstore", "add item",
			fmt.Sprintf("no draft for protocol %s", protocolID), nil)
	}
	if len(draft.Items) >= draft.TotalCount {
		return nil, faults.Wrap(faults.ErrValidation, "draftstore", "add item",
			fmt.Sprintf("draft already holds %d of %d items", len(draft.Items), draft.TotalCount), nil)
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO draft_items (id, protocol_id, state, attempts, source_size, created_at)
         VALUES (?, ?, ?, 0, ?, ?)`,
		itemID,
		protocolID,
		media.StatePending,
		sourceSize,
		timestamp,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, faults.Wrap(faults.ErrAlreadyExists, "draftstore", "add item",
				fmt.Sprintf("item %s exists", itemID), nil)
		}
		return nil, fmt.Errorf("insert item: %w", err)
	}
	if err := s.touch(ctx, protocolID); err != nil {
		return nil, err
	}

	return &media.Item{
		ID:        itemID,
		State:     media.StatePending,
		CreatedAt: now,
	}, nil
}

// RecordItemTransition atomically moves one item to a new state and bumps
// the draft's last-modified timestamp. Illegal transitions (uploaded is
// terminal, failed may only return to pending) are rejected.
func (s *Store) RecordItemTransition(ctx context.Context, protocolID, itemID string, newState media.ItemState) error {
	if _, ok := media.ParseState(string(newState)); !ok {
		return faults.Wrap(faults.ErrValidation, "draftstore", "record transition",
			fmt.Sprintf("unknown state %q", newState), nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentStr string
	row := tx.QueryRowContext(ctx,
		`SELECT state FROM draft_items WHERE id = ? AND protocol_id = ?`, itemID, protocolID)
	if err := row.Scan(&currentStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return faults.Wrap(faults.ErrNotFound, "draftstore", "record transition",
				fmt.Sprintf("item %s not found on protocol %s", itemID, protocolID), nil)
		}
		return fmt.Errorf("load item state: %w", err)
	}

	current, ok := media.ParseState(currentStr)
	if !ok {
		// Unreadable state column: self-heal by resetting to pending.
		current = media.StatePending
	}
	if !media.CanTransition(current, newState) {
		return faults.Wrap(faults.ErrValidation, "draftstore", "record transition",
			fmt.Sprintf("illegal transition %s -> %s", current, newState), nil)
	}

	attemptBump := 0
	if newState == media.StateProcessing && current != media.StateProcessing {
		attemptBump = 1
	}
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx,
		`UPDATE draft_items SET state = ?, attempts = attempts + ? WHERE id = ?`,
		newState, attemptBump, itemID); err != nil {
		return fmt.Errorf("update item state: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE drafts SET last_modified_at = ? WHERE protocol_id = ?`,
		timestamp, protocolID); err != nil {
		return fmt.Errorf("touch draft: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transition: %w", err)
	}

	s.logger.Debug("item transition",
		logging.String(logging.FieldProtocolID, protocolID),
		logging.String(logging.FieldItemID, itemID),
		logging.String("from", string(current)),
		logging.String("to", string(newState)))
	return nil
}

// Find returns the draft for a protocol, or nil when none exists.
func (s *Store) Find(ctx context.Context, protocolID string) (*media.Draft, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT protocol_id, total_count, last_modified_at FROM drafts WHERE protocol_id = ?`,
		protocolID)
	draft, err := scanDraft(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get draft: %w", err)
	}
	if err := s.loadItems(ctx, draft); err != nil {
		return nil, err
	}
	return draft, nil
}

// Discard deletes the draft, its items, and all local rendition bytes for
// the protocol, together. Jobs already accepted by the queue are not
// retracted; they run to completion or failure independently. Discarding a
// missing draft is a no-op.
func (s *Store) Discard(ctx context.Context, protocolID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM drafts WHERE protocol_id = ?`, protocolID)
	if err != nil {
		return fmt.Errorf("delete draft: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if err := s.removeRenditions(protocolID); err != nil {
		return err
	}
	if affected > 0 {
		s.logger.Info("draft discarded", logging.String(logging.FieldProtocolID, protocolID))
	}
	return nil
}

// ListRecoverable returns all incomplete drafts ordered by last activity,
// newest first. There is deliberately no staleness cutoff here; silently
// dropping capture work loses user data. Opt-in expiry lives in ExpireStale.
func (s *Store) ListRecoverable(ctx context.Context) ([]*media.Draft, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT protocol_id, total_count, last_modified_at FROM drafts
         ORDER BY last_modified_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list drafts: %w", err)
	}
	defer rows.Close()

	var drafts []*media.Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, err
		}
		drafts = append(drafts, draft)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	recoverable := drafts[:0]
	for _, draft := range drafts {
		if err := s.loadItems(ctx, draft); err != nil {
			return nil, err
		}
		if draft.Recoverable() {
			recoverable = append(recoverable, draft)
		}
	}
	return recoverable, nil
}

// ExpireStale discards incomplete drafts untouched since the cutoff.
// Callers enable this explicitly via configuration; it never runs by
// default.
func (s *Store) ExpireStale(ctx context.Context, cutoff time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT protocol_id FROM drafts WHERE last_modified_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("query stale drafts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		draft, err := s.Find(ctx, id)
		if err != nil {
			return expired, err
		}
		if draft == nil || draft.Complete() {
			continue
		}
		if err := s.Discard(ctx, id); err != nil {
			return expired, err
		}
		expired++
	}
	if expired > 0 {
		s.logger.Info("expired stale drafts",
			logging.Int("count", expired),
			logging.String(logging.FieldEventType, "draft_expiry"))
	}
	return expired, nil
}

func (s *Store) touch(ctx context.Context, protocolID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE drafts SET last_modified_at = ? WHERE protocol_id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), protocolID)
	if err != nil {
		return fmt.Errorf("touch draft: %w", err)
	}
	return nil
}

func (s *Store) loadItems(ctx context.Context, draft *media.Draft) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, state, attempts, source_size, created_at FROM draft_items
         WHERE protocol_id = ? ORDER BY created_at`, draft.ProtocolID)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	defer rows.Close()

	draft.Items = nil
	draft.UploadedCount = 0
	for rows.Next() {
		var (
			item       media.Item
			stateStr   string
			createdRaw string
		)
		if err := rows.Scan(&item.ID, &stateStr, &item.Attempts, &item.SourceSize, &createdRaw); err != nil {
			return err
		}
		state, ok := media.ParseState(stateStr)
		if !ok {
			state = media.StatePending
		}
		item.State = state
		if created, err := parseTimeString(createdRaw); err == nil {
			item.CreatedAt = created
		}
		if item.State == media.StateUploaded {
			draft.UploadedCount++
		}
		draft.Items = append(draft.Items, item)
	}
	return rows.Err()
}

func scanDraft(scanner interface{ Scan(dest ...any) error }) (*media.Draft, error) {
	var (
		protocolID  string
		totalCount  int
		modifiedRaw string
	)
	if err := scanner.Scan(&protocolID, &totalCount, &modifiedRaw); err != nil {
		return nil, err
	}
	draft := &media.Draft{
		ProtocolID: protocolID,
		TotalCount: totalCount,
	}
	if modified, err := parseTimeString(modifiedRaw); err == nil {
		draft.LastModifiedAt = modified
	}
	return draft, nil
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// modernc/sqlite surfaces constraint failures as plain error strings.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
