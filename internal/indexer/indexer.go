// Package indexer is a minimal stand-in for the archive filesystem walk.
// The walk itself is an external collaborator (the real one runs as a
// separate ingestion tool against the live collector layout); this package
// only has to produce the same classified rows the catalog expects, so the
// rest of the pipeline can be exercised end to end.
//
// Layout assumed: <root>/<collector>/<exchange>/<symbol>/<startTsMillis>.csv[.gz]
package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"candlestore/internal/catalog"
)

// Scan walks root and registers every file it can classify under the
// collector/exchange/symbol/startTs.ext layout into the catalog.
func Scan(ctx context.Context, store *catalog.Store, root string, logger *zap.Logger) (int, error) {
	rootID, err := store.UpsertRoot(root)
	if err != nil {
		return 0, fmt.Errorf("indexer: upsert root: %w", err)
	}

	var rows []catalog.FileRow
	err = filepath.WalkDir(root, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		row, ok := classify(rel)
		if !ok {
			logger.Debug("indexer: skipping unclassifiable path", zap.String("path", rel))
			return nil
		}
		row.RootID = rootID
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("indexer: walk %s: %w", root, err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	if err := store.InsertFilesTx(ctx, rows); err != nil {
		return 0, fmt.Errorf("indexer: insert files: %w", err)
	}
	logger.Info("indexer: scan complete", zap.String("root", root), zap.Int("files", len(rows)))
	return len(rows), nil
}

// classify splits a relative path of the form
// collector/exchange/symbol/startTsMillis.ext[.gz] into a FileRow.
func classify(rel string) (catalog.FileRow, bool) {
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 4 {
		return catalog.FileRow{}, false
	}
	collector, exchange, symbol, filename := parts[0], parts[1], parts[2], parts[3]

	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	if ext == ".gz" {
		inner := filepath.Ext(base)
		base = strings.TrimSuffix(base, inner)
		ext = inner + ext
	}

	startTs, err := strconv.ParseInt(base, 10, 64)
	if err != nil {
		return catalog.FileRow{}, false
	}

	return catalog.FileRow{
		RelativePath: rel,
		Collector:    strings.ToUpper(collector),
		Exchange:     strings.ToUpper(exchange),
		Symbol:       symbol,
		StartTs:      startTs,
		Ext:          ext,
	}, true
}
