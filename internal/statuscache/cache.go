// Package statuscache caches the per-rental protocol completion summary in
// a single versioned slot. The whole set is fresh or the whole set is a
// miss: any TTL or schema mismatch invalidates everything, because the
// payload is small and always refreshed as one batch fetch.
package statuscache

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"protomedia/internal/faults"
	"protomedia/internal/logging"
)

// SchemaVersion identifies the entry layout the current code expects.
// Bump on any incompatible change; old slots then read as a total miss.
const SchemaVersion = 2

// Entry is the cached completion summary for one rental.
type Entry struct {
	RentalID            string     `json:"rental_id"`
	HasHandoverProtocol bool       `json:"has_handover_protocol"`
	HasReturnProtocol   bool       `json:"has_return_protocol"`
	HandoverCreatedAt   *time.Time `json:"handover_created_at,omitempty"`
	ReturnCreatedAt     *time.Time `json:"return_created_at,omitempty"`
}

type slot struct {
	SchemaVersion int             `json:"schema_version"`
	FetchedAt     time.Time       `json:"fetched_at"`
	Data          json.RawMessage `json:"data"`
}

// Cache provides thread-safe access to the status slot file.
type Cache struct {
	path   string
	ttl    time.Duration
	logger *slog.Logger
	mu     sync.Mutex
}

// New creates a cache backed by the slot file at path.
func New(path string, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{
		path:   path,
		ttl:    ttl,
		logger: logging.NewComponentLogger(logger, "statuscache"),
	}
}

// Get returns the full cached set when the slot is fresh at the given
// instant. Staleness, schema mismatch, or corruption is a total miss; a
// corrupt slot is deleted so subsequent reads do not hit it again.
func (c *Cache) Get(now time.Time) ([]Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.read()
	if err != nil {
		if errors.Is(err, faults.ErrCorruptState) {
			c.selfHeal(err)
		}
		return nil, false
	}
	if s == nil || !c.fresh(s, now) {
		return nil, false
	}

	var entries []Entry
	if err := json.Unmarshal(s.Data, &entries); err != nil {
		c.selfHeal(faults.Wrap(faults.ErrCorruptState, "statuscache", "decode entries", "", err))
		return nil, false
	}
	return entries, true
}

// Put replaces the entire cached set and stamps the fetch time.
func (c *Cache) Put(entries []Entry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "statuscache", "encode entries", "", err)
	}
	s := slot{
		SchemaVersion: SchemaVersion,
		FetchedAt:     time.Now().UTC(),
		Data:          data,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(s)
}

// Invalidate clears the slot. Used when a protocol is created, updated, or
// deleted. Invalidating an absent slot is a no-op.
func (c *Cache) Invalidate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return faults.Wrap(faults.ErrTransient, "statuscache", "invalidate", "", err)
	}
	c.logger.Debug("cache invalidated")
	return nil
}

// Fresh reports whether the slot would be a hit at the given instant. Only
// the slot header is inspected; the entry payload is not decoded.
func (c *Cache) Fresh(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.read()
	if err != nil || s == nil {
		return false
	}
	return c.fresh(s, now)
}

func (c *Cache) fresh(s *slot, now time.Time) bool {
	if s.SchemaVersion != SchemaVersion {
		return false
	}
	return now.Sub(s.FetchedAt) <= c.ttl
}

// read returns nil,nil when the slot file does not exist.
func (c *Cache) read() (*slot, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, faults.Wrap(faults.ErrTransient, "statuscache", "read slot", "", err)
	}
	if len(data) == 0 {
		return nil, faults.Wrap(faults.ErrCorruptState, "statuscache", "read slot", "empty slot file", nil)
	}
	var s slot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, faults.Wrap(faults.ErrCorruptState, "statuscache", "decode slot", "", err)
	}
	return &s, nil
}

func (c *Cache) write(s slot) error {
	data, err := json.Marshal(s)
	if err != nil {
		return faults.Wrap(faults.ErrValidation, "statuscache", "encode slot", "", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return faults.Wrap(faults.ErrTransient, "statuscache", "create cache directory", "", err)
	}

	// Atomic replace via temp file so readers never observe partial writes.
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return faults.Wrap(faults.ErrTransient, "statuscache", "write temp slot", "", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return faults.Wrap(faults.ErrTransient, "statuscache", "replace slot", "", err)
	}
	return nil
}

// selfHeal deletes a corrupt slot so future reads start clean.
func (c *Cache) selfHeal(cause error) {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.logger.Warn("failed to clear corrupt cache slot",
			logging.Error(err),
			logging.String(logging.FieldEventType, "statuscache_selfheal_failed"),
			logging.String(logging.FieldErrorHint, "remove the slot file manually"))
		return
	}
	c.logger.Warn("corrupt cache slot cleared",
		logging.Error(cause),
		logging.String(logging.FieldEventType, "statuscache_selfheal"),
		logging.String(logging.FieldImpact, "next status read refetches from the API"))
}
