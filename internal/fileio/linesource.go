// Package fileio provides the transparent-gunzip line reader shared by the
// processor, gap window extractor, and trade merger — every component that
// replays a source trade file.
package fileio

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
)

// MaxLineBytes bounds a single trade line far above anything real data
// produces, the way the teacher bounds its WebSocket frame buffers.
const MaxLineBytes = 1 << 20

// LineSource streams a trade file line by line, transparently gunzipping
// when the path ends in ".gz".
type LineSource struct {
	file    *os.File
	gz      *gzip.Reader
	scanner *bufio.Scanner
}

// OpenLines opens path for line-oriented reading.
func OpenLines(path string) (*LineSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("fileio: open %s: %w", path, err)
	}

	var r io.Reader = f
	ls := &LineSource{file: f}
	if IsGzip(path) {
		gz, err := gzip.NewReader(f)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("fileio: gunzip %s: %w", path, err)
		}
		ls.gz = gz
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineBytes)
	ls.scanner = scanner
	return ls, nil
}

// IsGzip reports whether path should be treated as gzip-compressed.
func IsGzip(path string) bool {
	return strings.HasSuffix(path, ".gz")
}

// Next returns the next line (without trailing newline) and true, or
// ("", false) at EOF or on a read error (callers should call Err after).
func (ls *LineSource) Next() (string, bool) {
	if !ls.scanner.Scan() {
		return "", false
	}
	return ls.scanner.Text(), true
}

// Err returns any error that stopped Next early.
func (ls *LineSource) Err() error {
	return ls.scanner.Err()
}

// Close releases the underlying file and gzip reader.
func (ls *LineSource) Close() error {
	if ls.gz != nil {
		ls.gz.Close()
	}
	return ls.file.Close()
}
