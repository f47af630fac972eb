// Package cleanup watches the disk holding the data directory. Session
// state under {base}/users is owned by the codex children and is never
// deleted here; the watcher only reports pressure before children start
// failing writes.
package cleanup

import (
	"context"
	"sync"
	"syscall"
	"time"

	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/metrics"
)

// Watcher performs periodic disk usage checks.
type Watcher struct {
	dataDir   string
	interval  time.Duration
	diskWarn  float64
	diskError float64
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Config holds watcher configuration.
type Config struct {
	DataDir          string
	Interval         time.Duration // How often to check
	DiskWarnPercent  float64       // Warn at this disk usage percentage
	DiskErrorPercent float64       // Error at this disk usage percentage
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:          dataDir,
		Interval:         5 * time.Minute,
		DiskWarnPercent:  80.0,
		DiskErrorPercent: 90.0,
	}
}

// New creates a new Watcher with the given configuration.
func New(cfg Config) *Watcher {
	return &Watcher{
		dataDir:   cfg.DataDir,
		interval:  cfg.Interval,
		diskWarn:  cfg.DiskWarnPercent,
		diskError: cfg.DiskErrorPercent,
	}
}

// Start begins the periodic check loop.
func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		// Run immediately on start
		w.checkDiskUsage()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				w.checkDiskUsage()
			}
		}
	}()

	logger.Printf("🧹 Disk watcher started (interval=%v, warn=%.0f%%, error=%.0f%%)",
		w.interval, w.diskWarn, w.diskError)
}

// Stop halts the check loop.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
		w.wg.Wait()
		logger.Println("🧹 Disk watcher stopped")
	}
}

// checkDiskUsage samples disk usage, updates the gauge, and logs when
// thresholds are crossed.
func (w *Watcher) checkDiskUsage() {
	_, _, usedPercent, err := w.DiskUsage()
	if err != nil {
		return
	}

	metrics.RecordDiskUsage(usedPercent)

	if usedPercent >= w.diskError {
		logger.Printf("🔴 CRITICAL: Disk usage at %.1f%% (data dir)", usedPercent)
	} else if usedPercent >= w.diskWarn {
		logger.Printf("🟠 WARNING: Disk usage at %.1f%% (data dir)", usedPercent)
	}
}

// DiskUsage returns current disk usage stats for the data directory's
// filesystem.
func (w *Watcher) DiskUsage() (usedBytes, totalBytes uint64, usedPercent float64, err error) {
	var stat syscall.Statfs_t
	if err = syscall.Statfs(w.dataDir, &stat); err != nil {
		return
	}

	totalBytes = stat.Blocks * uint64(stat.Bsize)
	freeBytes := stat.Bfree * uint64(stat.Bsize)
	usedBytes = totalBytes - freeBytes
	if totalBytes > 0 {
		usedPercent = float64(usedBytes) / float64(totalBytes) * 100
	}
	return
}
