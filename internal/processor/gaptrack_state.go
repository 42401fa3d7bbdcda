package processor

import (
	"encoding/json"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"candlestore/internal/gaptrack"
)

// gapStatePath returns the sidecar path holding a market-timeframe's
// gap-tracker snapshot, written atomically alongside the companion JSON.
func gapStatePath(outDir, timeframe string) string {
	return filepath.Join(outDir, timeframe+".gapstate.json")
}

// loadTracker resumes a tracker from its sidecar snapshot, unless force is
// set or no snapshot/companion exists yet.
func (p *Processor) loadTracker(outDir, timeframe string, tfMs int64, hasExisting, force bool) *gaptrack.Tracker {
	if force || !hasExisting {
		return gaptrack.New(tfMs)
	}
	data, err := os.ReadFile(gapStatePath(outDir, timeframe))
	if err != nil {
		return gaptrack.New(tfMs)
	}
	var state gaptrack.State
	if err := json.Unmarshal(data, &state); err != nil {
		return gaptrack.New(tfMs)
	}
	return gaptrack.Resume(tfMs, state)
}

// saveTracker persists a tracker's snapshot via temp-file-then-rename. Best
// effort: a failed save only costs a future run its detection warm-up, it
// never corrupts the binary or companion.
func (p *Processor) saveTracker(outDir, timeframe string, tracker *gaptrack.Tracker) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		p.logger.Warn("gap tracker state not saved: mkdir failed", zap.Error(err))
		return
	}
	data, err := json.MarshalIndent(tracker.Snapshot(), "", "  ")
	if err != nil {
		p.logger.Warn("gap tracker state not saved: marshal failed", zap.Error(err))
		return
	}
	path := gapStatePath(outDir, timeframe)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		p.logger.Warn("gap tracker state not saved: write failed", zap.Error(err))
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		p.logger.Warn("gap tracker state not saved: rename failed", zap.Error(err))
	}
}
