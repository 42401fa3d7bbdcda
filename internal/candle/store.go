package candle

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FlushBatchSize is the number of candles buffered per flush, matching the
// teacher's amortized-syscall batching.
const FlushBatchSize = 4096

// Writer writes a dense candle binary for the slot range
// [startSlot, startSlot+records*timeframeMs) and its companion, atomically.
type Writer struct {
	binPath     string
	companion   Companion
	tmpBin      string
	file        *os.File
	buf         *bufio.Writer
	pending     int
	recordBytes [RecordSize]byte
}

// NewWriter opens a temp file for a fresh write of records candles starting
// at startTs.
func NewWriter(outDir, exchange, symbol, timeframe string, timeframeMs, startTs, endTs int64) (*Writer, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("candle: mkdir %s: %w", outDir, err)
	}
	binPath := filepath.Join(outDir, timeframe+".bin")
	tmpBin := binPath + ".tmp"

	f, err := os.Create(tmpBin)
	if err != nil {
		return nil, fmt.Errorf("candle: create temp bin: %w", err)
	}

	records := (endTs - startTs) / timeframeMs
	return &Writer{
		binPath: binPath,
		tmpBin:  tmpBin,
		file:    f,
		buf:     bufio.NewWriterSize(f, RecordSize*FlushBatchSize),
		companion: Companion{
			Exchange:    exchange,
			Symbol:      symbol,
			Timeframe:   timeframe,
			TimeframeMs: timeframeMs,
			StartTs:     startTs,
			EndTs:       endTs,
			PriceScale:  1e4,
			VolumeScale: 1e6,
			Records:     records,
		},
	}, nil
}

// WriteCandle appends one candle (callers must write in increasing slot
// order — the dense binary has no per-record timestamp).
func (w *Writer) WriteCandle(c Candle) error {
	c.Encode(w.recordBytes[:])
	if _, err := w.buf.Write(w.recordBytes[:]); err != nil {
		return err
	}
	w.pending++
	if w.pending >= FlushBatchSize {
		if err := w.buf.Flush(); err != nil {
			return err
		}
		w.pending = 0
	}
	return nil
}

// SetLastInputStartTs records the most recent source-file start folded in,
// used for the processor's resume cutoff.
func (w *Writer) SetLastInputStartTs(ts int64) {
	w.companion.LastInputStartTs = ts
}

// Commit flushes, renames the temp binary into place, and writes the
// companion JSON, in that order — only after the rename succeeds does the
// companion get written, so a crash never leaves a companion pointing at a
// missing binary.
func (w *Writer) Commit() (Companion, error) {
	if err := w.buf.Flush(); err != nil {
		return Companion{}, err
	}
	if err := w.file.Close(); err != nil {
		return Companion{}, err
	}
	if err := os.Rename(w.tmpBin, w.binPath); err != nil {
		return Companion{}, fmt.Errorf("candle: rename bin: %w", err)
	}

	companionPath := companionPathFor(w.binPath)
	tmpCompanion := companionPath + ".tmp"
	data, err := json.MarshalIndent(w.companion, "", "  ")
	if err != nil {
		return Companion{}, err
	}
	if err := os.WriteFile(tmpCompanion, data, 0o644); err != nil {
		return Companion{}, err
	}
	if err := os.Rename(tmpCompanion, companionPath); err != nil {
		return Companion{}, fmt.Errorf("candle: rename companion: %w", err)
	}
	return w.companion, nil
}

// Abort removes the temp file without committing.
func (w *Writer) Abort() {
	w.file.Close()
	os.Remove(w.tmpBin)
}

func companionPathFor(binPath string) string {
	return binPath[:len(binPath)-len(filepath.Ext(binPath))] + ".json"
}

// LoadCompanion reads and parses a companion JSON, accepting legacy keys.
func LoadCompanion(binPath string) (Companion, error) {
	data, err := os.ReadFile(companionPathFor(binPath))
	if err != nil {
		return Companion{}, err
	}
	var c Companion
	if err := json.Unmarshal(data, &c); err != nil {
		return Companion{}, err
	}
	return c, nil
}

// SaveCompanion atomically (re)writes a companion JSON, used by the patcher
// and resampler after an in-place binary mutation.
func SaveCompanion(binPath string, c Companion) error {
	companionPath := companionPathFor(binPath)
	tmp := companionPath + ".tmp"
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, companionPath)
}

// ReadRange reads candles [firstIdx, lastIdx] inclusive from a binary,
// decoding each to Candle (caller converts to float via the companion's
// scales as needed).
func ReadRange(binPath string, firstIdx, lastIdx int64) ([]Candle, error) {
	if lastIdx < firstIdx {
		return nil, nil
	}
	f, err := os.Open(binPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n := lastIdx - firstIdx + 1
	buf := make([]byte, n*RecordSize)
	if _, err := f.ReadAt(buf, firstIdx*RecordSize); err != nil {
		return nil, err
	}

	out := make([]Candle, n)
	for i := int64(0); i < n; i++ {
		out[i] = Decode(buf[i*RecordSize : (i+1)*RecordSize])
	}
	return out, nil
}

// OpenReadWrite opens the raw binary file for in-place patching.
func OpenReadWrite(binPath string) (*os.File, error) {
	return os.OpenFile(binPath, os.O_RDWR, 0o644)
}

// WriteAt overwrites a contiguous range of records starting at byte offset
// startIdx*RecordSize.
func WriteAt(f *os.File, startIdx int64, candles []Candle) error {
	buf := make([]byte, len(candles)*RecordSize)
	for i, c := range candles {
		c.Encode(buf[i*RecordSize : (i+1)*RecordSize])
	}
	_, err := f.WriteAt(buf, startIdx*RecordSize)
	return err
}
