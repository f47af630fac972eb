package cleanup

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig("/test/data")

	if cfg.DataDir != "/test/data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "/test/data")
	}
	if cfg.Interval != 5*time.Minute {
		t.Errorf("Interval = %v, want %v", cfg.Interval, 5*time.Minute)
	}
	if cfg.DiskWarnPercent != 80.0 {
		t.Errorf("DiskWarnPercent = %f, want 80.0", cfg.DiskWarnPercent)
	}
	if cfg.DiskErrorPercent != 90.0 {
		t.Errorf("DiskErrorPercent = %f, want 90.0", cfg.DiskErrorPercent)
	}
}

func TestNew(t *testing.T) {
	cfg := Config{
		DataDir:          "/custom/data",
		Interval:         10 * time.Minute,
		DiskWarnPercent:  75.0,
		DiskErrorPercent: 85.0,
	}

	watcher := New(cfg)

	if watcher.dataDir != "/custom/data" {
		t.Errorf("dataDir = %q, want %q", watcher.dataDir, "/custom/data")
	}
	if watcher.interval != 10*time.Minute {
		t.Errorf("interval = %v, want %v", watcher.interval, 10*time.Minute)
	}
	if watcher.diskWarn != 75.0 {
		t.Errorf("diskWarn = %f, want 75.0", watcher.diskWarn)
	}
	if watcher.diskError != 85.0 {
		t.Errorf("diskError = %f, want 85.0", watcher.diskError)
	}
}

func TestWatcher_StartStop(t *testing.T) {
	cfg := Config{
		DataDir:          t.TempDir(),
		Interval:         100 * time.Millisecond, // Fast for testing
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}

	watcher := New(cfg)
	watcher.Start()

	// Give it time to run at least once
	time.Sleep(150 * time.Millisecond)

	watcher.Stop()

	// Verify it stopped (no panic, no hanging)
}

func TestWatcher_DiskUsage(t *testing.T) {
	watcher := New(Config{DataDir: t.TempDir()})

	used, total, percent, err := watcher.DiskUsage()
	if err != nil {
		t.Fatalf("DiskUsage() error = %v", err)
	}

	if total == 0 {
		t.Error("total bytes should be > 0")
	}
	if used > total {
		t.Error("used bytes should be <= total bytes")
	}
	if percent < 0 || percent > 100 {
		t.Errorf("percent = %f, should be between 0 and 100", percent)
	}
}

func TestWatcher_DiskUsage_InvalidPath(t *testing.T) {
	watcher := New(Config{DataDir: "/nonexistent/path/that/does/not/exist"})

	_, _, _, err := watcher.DiskUsage()
	if err == nil {
		t.Error("expected error for nonexistent path")
	}
}

func TestWatcher_CheckDiskUsage(t *testing.T) {
	watcher := New(Config{
		DataDir:          t.TempDir(),
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	})

	// Should not panic; logs only when thresholds are crossed
	watcher.checkDiskUsage()
}
