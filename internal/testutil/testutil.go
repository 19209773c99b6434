// Package testutil provides shared fixtures for Meridian tests.
package testutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meridian-obs/meridian/internal/config"
	"github.com/meridian-obs/meridian/internal/event"
	"github.com/meridian-obs/meridian/internal/groupqueue"
	"github.com/meridian-obs/meridian/internal/logging"
	"github.com/meridian-obs/meridian/internal/registry"
)

// WriteSubbandFile writes a subband capture for the observation timestamp
// and subband index into dir and returns its path. The timestamp may use
// either the colon or the underscore form; the filename always carries
// underscores, matching what the correlator writes.
func WriteSubbandFile(t *testing.T, dir, ts string, sb int) string {
	t.Helper()

	name := fmt.Sprintf("%s_sb%02d.hdf5", strings.ReplaceAll(ts, ":", "_"), sb)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("visibility data"), 0o644); err != nil {
		t.Fatalf("writing subband file: %v", err)
	}
	return path
}

// SetupQueueStore opens a group queue store backed by a temp database.
// The store is closed when the test completes.
func SetupQueueStore(t *testing.T) *groupqueue.Store {
	t.Helper()

	store, err := groupqueue.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"), logging.NopLogger())
	if err != nil {
		t.Fatalf("opening queue store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// SetupRegistry opens a product registry backed by a temp database with a
// fresh published directory, wired to the given bus. The registry is closed
// when the test completes.
func SetupRegistry(t *testing.T, bus *event.Bus) *registry.Registry {
	t.Helper()

	dir := t.TempDir()
	publishedDir := filepath.Join(dir, "published")
	if err := os.MkdirAll(publishedDir, 0o755); err != nil {
		t.Fatalf("creating published dir: %v", err)
	}

	rt := config.NewRuntime(config.Default())
	reg, err := registry.Open(context.Background(), filepath.Join(dir, "registry.db"), publishedDir, rt, logging.NopLogger(), bus)
	if err != nil {
		t.Fatalf("opening registry: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

// WaitFor polls cond every 10ms until it returns true, failing the test when
// timeout elapses first. desc names what was being waited for.
func WaitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out after %v waiting for %s", timeout, desc)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
