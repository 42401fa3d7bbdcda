// Package ratelimit implements the shared per-host fetch scheduler (C10):
// a min-interval + requests-per-minute quota gate in front of any HTTP
// call, with retry/backoff on transport errors and throttling statuses.
//
// The cancellable-sleep shape is grounded on the teacher's
// internal/supervisor/supervisor.go worker-retry loop
// (select{ case <-time.After(backoff): ...; case <-ctx.Done(): return }).
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"candlestore/internal/config"
	"candlestore/internal/metrics"
)

// Scheduler enforces per-host pacing and retry policy in front of an
// *http.Client.
type Scheduler struct {
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	hosts map[string]*hostState
}

type hostState struct {
	nextAllowedAt time.Time
	recent        []time.Time
}

// NewScheduler creates a Scheduler. client may be nil, in which case
// http.DefaultClient is used.
func NewScheduler(client *http.Client, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	if client == nil {
		client = http.DefaultClient
	}
	return &Scheduler{client: client, logger: logger, metrics: m, hosts: make(map[string]*hostState)}
}

// RequestFunc builds a fresh *http.Request; called once per attempt so
// retries never replay a consumed body.
type RequestFunc func() (*http.Request, error)

// Do executes newReq against host under policy, retrying on transport
// errors and throttling statuses until policy.MaxAttempts is exhausted or
// ctx is cancelled.
func (s *Scheduler) Do(ctx context.Context, host string, policy config.Host, newReq RequestFunc) (*http.Response, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		wait := s.waitFor(host, policy)
		if wait > 0 {
			if s.metrics != nil {
				s.metrics.RateLimiterWait.WithLabelValues(host).Observe(wait.Seconds())
			}
			if err := sleepCtx(ctx, wait); err != nil {
				return nil, err
			}
		}

		req, err := newReq()
		if err != nil {
			return nil, fmt.Errorf("ratelimit: build request: %w", err)
		}

		s.markDispatched(host, policy)
		resp, err := s.client.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			if attempt == maxAttempts {
				return nil, fmt.Errorf("ratelimit: %s: %w", host, err)
			}
			if sleepErr := sleepCtx(ctx, computeBackoff(policy, attempt)); sleepErr != nil {
				return nil, sleepErr
			}
			continue
		}

		if !isRetryableStatus(resp.StatusCode) {
			return resp, nil
		}

		backoff := computeBackoff(policy, attempt)
		if ra := parseRetryAfter(resp.Header.Get("Retry-After")); ra > 0 {
			backoff = clampRetryAfter(policy, ra)
		}
		resp.Body.Close()
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		s.extendCooldown(host, backoff)
		if attempt == maxAttempts {
			return nil, fmt.Errorf("ratelimit: %s: %w after %d attempts", host, lastErr, attempt)
		}
		if s.logger != nil {
			s.logger.Debug("retrying after throttling status", zap.String("host", host),
				zap.Int("status", resp.StatusCode), zap.Duration("backoff", backoff))
		}
		if err := sleepCtx(ctx, backoff); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("ratelimit: %s: exhausted attempts: %w", host, lastErr)
}

// waitFor computes how long the caller must sleep before the next request
// to host is allowed, under both the min-interval and RPM quota rules.
func (s *Scheduler) waitFor(host string, policy config.Host) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.stateLocked(host)
	now := time.Now()

	intervalWait := time.Duration(0)
	if state.nextAllowedAt.After(now) {
		intervalWait = state.nextAllowedAt.Sub(now)
	}

	quotaWait := time.Duration(0)
	if policy.MaxRequestsPerMin > 0 {
		state.recent = pruneOlderThan(state.recent, now.Add(-60*time.Second))
		if len(state.recent) >= policy.MaxRequestsPerMin {
			oldest := state.recent[0]
			leavesAt := oldest.Add(60 * time.Second)
			if leavesAt.After(now) {
				quotaWait = leavesAt.Sub(now)
			}
		}
	}

	if intervalWait > quotaWait {
		return intervalWait
	}
	return quotaWait
}

// markDispatched records a dispatch: the next allowed time and the quota
// window timestamp.
func (s *Scheduler) markDispatched(host string, policy config.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.stateLocked(host)
	now := time.Now()
	state.nextAllowedAt = now.Add(policy.Interval())
	state.recent = append(state.recent, now)
}

// extendCooldown pushes nextAllowedAt out by backoff, on top of any
// standing min-interval cooldown.
func (s *Scheduler) extendCooldown(host string, backoff time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.stateLocked(host)
	candidate := time.Now().Add(backoff)
	if candidate.After(state.nextAllowedAt) {
		state.nextAllowedAt = candidate
	}
}

func (s *Scheduler) stateLocked(host string) *hostState {
	st, ok := s.hosts[host]
	if !ok {
		st = &hostState{}
		s.hosts[host] = st
	}
	return st
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

func computeBackoff(policy config.Host, attempt int) time.Duration {
	base := time.Duration(policy.BaseBackoffMs) * time.Millisecond
	ceiling := time.Duration(policy.MaxBackoffMs) * time.Millisecond
	backoff := base
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff > ceiling {
			backoff = ceiling
			break
		}
	}
	if backoff > ceiling {
		backoff = ceiling
	}
	return backoff
}

func clampRetryAfter(policy config.Host, retryAfter time.Duration) time.Duration {
	const maxRetryAfter = 300 * time.Second
	if retryAfter > maxRetryAfter {
		retryAfter = maxRetryAfter
	}
	if retryAfter < policy.Interval() {
		return policy.Interval()
	}
	return retryAfter
}

// parseRetryAfter parses either a delta-seconds or an HTTP-date
// Retry-After header value. Returns 0 if absent or unparsable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(value); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

func isRetryableStatus(status int) bool {
	switch status {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// sleepCtx sleeps for d unless ctx is cancelled first, matching the
// teacher's cancellable worker-retry select.
func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
