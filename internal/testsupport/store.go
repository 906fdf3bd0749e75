package testsupport

import (
	"testing"

	"protomedia/internal/config"
	"protomedia/internal/draft"
	"protomedia/internal/jobqueue"
	"protomedia/internal/logging"
)

// MustOpenDrafts opens a draft.Store for tests and registers cleanup.
func MustOpenDrafts(t testing.TB, cfg *config.Config) *draft.Store {
	t.Helper()

	store, err := draft.Open(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("draft.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// MustOpenBroker opens a jobqueue.Broker for tests and registers cleanup.
func MustOpenBroker(t testing.TB, cfg *config.Config) *jobqueue.Broker {
	t.Helper()

	broker, err := jobqueue.OpenBroker(cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("jobqueue.OpenBroker: %v", err)
	}
	t.Cleanup(func() {
		broker.Close()
	})
	return broker
}
