package collab

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForGracePeriod(t *testing.T, c *Coordinator, want time.Duration) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Duration(c.gracePeriodNs.Load()) != want {
		if time.Now().After(deadline) {
			t.Fatalf("grace period never reached %s, still %s", want, time.Duration(c.gracePeriodNs.Load()))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchSettingsAppliesFileOnStartAndChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"gracePeriod":"5s","checkpointEvery":7}`), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	c := newTestCoordinator(t, CoordinatorOptions{})
	watcher, err := WatchSettings(path, c)
	if err != nil {
		t.Fatalf("watch settings failed: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Close() })

	// The initial load is synchronous.
	if got := time.Duration(c.gracePeriodNs.Load()); got != 5*time.Second {
		t.Fatalf("expected grace period 5s after initial load, got %s", got)
	}
	if got := c.checkpointEvery.Load(); got != 7 {
		t.Fatalf("expected checkpoint every 7 after initial load, got %d", got)
	}

	if err := os.WriteFile(path, []byte(`{"gracePeriod":"9s"}`), 0o644); err != nil {
		t.Fatalf("rewrite settings: %v", err)
	}
	waitForGracePeriod(t, c, 9*time.Second)
	// Fields missing from the file keep their current values.
	if got := c.checkpointEvery.Load(); got != 7 {
		t.Fatalf("expected checkpoint every to stay 7, got %d", got)
	}
}

func TestWatchSettingsSkipsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	if err := os.WriteFile(path, []byte(`{"gracePeriod":"5s"}`), 0o644); err != nil {
		t.Fatalf("write settings: %v", err)
	}

	c := newTestCoordinator(t, CoordinatorOptions{})
	watcher, err := WatchSettings(path, c)
	if err != nil {
		t.Fatalf("watch settings failed: %v", err)
	}
	t.Cleanup(func() { _ = watcher.Close() })
	waitForGracePeriod(t, c, 5*time.Second)

	if err := os.WriteFile(path, []byte(`{not json`), 0o644); err != nil {
		t.Fatalf("rewrite settings: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := time.Duration(c.gracePeriodNs.Load()); got != 5*time.Second {
		t.Fatalf("malformed file changed grace period to %s", got)
	}
}

func TestWatchSettingsRejectsMissingArguments(t *testing.T) {
	if _, err := WatchSettings("", nil); err == nil {
		t.Fatalf("expected error for empty path and nil target")
	}
}

func TestSettingsApplyIgnoresInvalidDurations(t *testing.T) {
	c := newTestCoordinator(t, CoordinatorOptions{GracePeriod: 3 * time.Second})
	Settings{GracePeriod: "soon", PresenceTTL: "-5s"}.applyTo(c)
	if got := time.Duration(c.gracePeriodNs.Load()); got != 3*time.Second {
		t.Fatalf("invalid duration changed grace period to %s", got)
	}
}
