package adapters

import (
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"

	"candlestore/internal/config"
	"candlestore/internal/ratelimit"
)

// fetchBody performs a rate-limited GET against url and returns the full
// response body, failing on any non-2xx status.
func fetchBody(ctx context.Context, sched *ratelimit.Scheduler, host string, policy config.Host, url string) ([]byte, error) {
	resp, err := sched.Do(ctx, host, policy, func() (*http.Request, error) {
		return http.NewRequest(http.MethodGet, url, nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("adapters: GET %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// unzipFirstEntry returns the decompressed bytes of the first entry in a
// ZIP archive, matching the exchange archives' one-CSV-per-ZIP layout.
func unzipFirstEntry(data []byte) ([]byte, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("adapters: open zip: %w", err)
	}
	if len(r.File) == 0 {
		return nil, fmt.Errorf("adapters: empty zip")
	}
	f, err := r.File[0].Open()
	if err != nil {
		return nil, fmt.Errorf("adapters: open zip entry %s: %w", r.File[0].Name, err)
	}
	defer f.Close()
	return io.ReadAll(f)
}

// gunzip decompresses a single gzip stream.
func gunzip(data []byte) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("adapters: gunzip: %w", err)
	}
	defer gr.Close()
	return io.ReadAll(gr)
}
