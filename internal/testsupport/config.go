// Package testsupport provides shared helpers for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"protomedia/internal/config"
)

// NewConfig produces a config seeded with unique temp directories per test.
func NewConfig(t testing.TB) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Paths.APIBind = "127.0.0.1:0"

	// Fast-failing queue policy so retry tests don't sleep for real backoff.
	cfg.Queues.ImageFinishing.PollIntervalSec = 1
	cfg.Queues.DocumentRendering.PollIntervalSec = 1

	return &cfg
}
