package statuscache_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"protomedia/internal/logging"
	"protomedia/internal/statuscache"
)

func newCache(t *testing.T, ttl time.Duration) (*statuscache.Cache, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "status_cache.json")
	return statuscache.New(path, ttl, logging.NewNop()), path
}

func sampleEntries() []statuscache.Entry {
	created := time.Date(2026, 8, 14, 9, 30, 0, 0, time.UTC)
	return []statuscache.Entry{
		{RentalID: "r-100", HasHandoverProtocol: true, HandoverCreatedAt: &created},
		{RentalID: "r-101"},
	}
}

func TestPutThenGetRoundTrip(t *testing.T) {
	cache, _ := newCache(t, 5*time.Minute)
	if err := cache.Put(sampleEntries()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	entries, hit := cache.Get(time.Now())
	if !hit {
		t.Fatal("expected cache hit")
	}
	if len(entries) != 2 || entries[0].RentalID != "r-100" || !entries[0].HasHandoverProtocol {
		t.Fatalf("unexpected entries: %#v", entries)
	}
}

func TestFreshnessBoundary(t *testing.T) {
	ttl := 300000 * time.Millisecond
	cache, _ := newCache(t, ttl)
	if err := cache.Put(sampleEntries()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Put stamps fetchedAt with the wall clock; probe relative to now.
	now := time.Now()
	if !cache.Fresh(now.Add(ttl - time.Millisecond)) {
		t.Error("entry should be fresh just inside the TTL window")
	}
	if cache.Fresh(now.Add(ttl + time.Second)) {
		t.Error("entry should be stale past the TTL window")
	}
	if _, hit := cache.Get(now.Add(ttl + time.Second)); hit {
		t.Error("stale slot must be a total miss")
	}
}

func TestSchemaMismatchIsTotalMiss(t *testing.T) {
	cache, path := newCache(t, time.Hour)
	if err := cache.Put(sampleEntries()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var raw map[string]json.RawMessage
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read slot: %v", err)
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode slot: %v", err)
	}
	raw["schema_version"] = json.RawMessage("1")
	rewritten, _ := json.Marshal(raw)
	if err := os.WriteFile(path, rewritten, 0o644); err != nil {
		t.Fatalf("rewrite slot: %v", err)
	}

	if _, hit := cache.Get(time.Now()); hit {
		t.Error("old schema version must be a total miss")
	}
	if cache.Fresh(time.Now()) {
		t.Error("old schema version must not report fresh")
	}
}

func TestCorruptSlotSelfHeals(t *testing.T) {
	cache, path := newCache(t, time.Hour)
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt slot: %v", err)
	}

	if _, hit := cache.Get(time.Now()); hit {
		t.Fatal("corrupt slot must be a miss")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("corrupt slot should have been deleted, stat err = %v", err)
	}
}

func TestInvalidateClearsSlot(t *testing.T) {
	cache, path := newCache(t, time.Hour)
	if err := cache.Put(sampleEntries()); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Invalidate(); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, hit := cache.Get(time.Now()); hit {
		t.Error("expected miss after invalidate")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("slot file should be removed, stat err = %v", err)
	}
	// Second invalidate is a no-op.
	if err := cache.Invalidate(); err != nil {
		t.Fatalf("repeat Invalidate: %v", err)
	}
}

func TestMissOnAbsentSlot(t *testing.T) {
	cache, _ := newCache(t, time.Hour)
	if _, hit := cache.Get(time.Now()); hit {
		t.Error("expected miss when nothing was ever cached")
	}
	if cache.Fresh(time.Now()) {
		t.Error("absent slot must not be fresh")
	}
}
