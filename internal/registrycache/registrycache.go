// Package registrycache mirrors the catalog's registry table into Redis
// as a write-through cache, and publishes a change notification per
// upsert so UI/WS consumers can invalidate without polling SQLite.
package registrycache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"candlestore/internal/catalog"
)

// changeChannel is the pub/sub channel every registry upsert announces on.
const changeChannel = "candlestore:registry:changed"

// Mirror wraps a Redis client for the registry write-through path. A nil
// *Mirror (Redis disabled) is valid: Subscribe returns an error and every
// other method is a no-op.
type Mirror struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// New connects to addr, verifying reachability with a short-timeout ping.
func New(addr, password string, db int, logger *zap.Logger) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("registrycache: connect %s: %w", addr, err)
	}

	logger.Info("registry cache connected", zap.String("addr", addr), zap.Int("db", db))
	return &Mirror{rdb: rdb, logger: logger}, nil
}

// registryKey mirrors the catalog's lookup key 1:1.
func registryKey(r catalog.RegistryRow) string {
	return fmt.Sprintf("registry:%s:%s:%s:%s", r.Collector, r.Exchange, r.Symbol, r.Timeframe)
}

// changeNotice is the payload published to changeChannel.
type changeNotice struct {
	Collector string `json:"collector"`
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	StartTs   int64  `json:"startTs"`
	EndTs     int64  `json:"endTs"`
}

// Upsert mirrors a registry row and publishes a change notice. A publish
// failure is logged and swallowed: the mirror is a convenience layer, and
// must never fail the caller's write-path transaction.
func (m *Mirror) Upsert(ctx context.Context, r catalog.RegistryRow) error {
	if m == nil {
		return nil
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("registrycache: marshal: %w", err)
	}
	if err := m.rdb.Set(ctx, registryKey(r), data, 0).Err(); err != nil {
		return fmt.Errorf("registrycache: set %s: %w", registryKey(r), err)
	}

	notice, err := json.Marshal(changeNotice{
		Collector: r.Collector, Exchange: r.Exchange, Symbol: r.Symbol,
		Timeframe: r.Timeframe, StartTs: r.StartTs, EndTs: r.EndTs,
	})
	if err == nil {
		if pubErr := m.rdb.Publish(ctx, changeChannel, notice).Err(); pubErr != nil {
			m.logger.Warn("registry change publish failed",
				zap.String("key", registryKey(r)), zap.Error(pubErr))
		}
	}
	return nil
}

// Get reads a mirrored registry row; ok is false on a cache miss (the
// caller should fall back to the catalog store).
func (m *Mirror) Get(ctx context.Context, collector, exchange, symbol, timeframe string) (catalog.RegistryRow, bool) {
	if m == nil {
		return catalog.RegistryRow{}, false
	}
	data, err := m.rdb.Get(ctx, fmt.Sprintf("registry:%s:%s:%s:%s", collector, exchange, symbol, timeframe)).Result()
	if err != nil {
		return catalog.RegistryRow{}, false
	}
	var r catalog.RegistryRow
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return catalog.RegistryRow{}, false
	}
	return r, true
}

// Subscribe returns a channel of raw change-notice payloads for consumers
// that want push invalidation instead of polling the registry table.
func (m *Mirror) Subscribe(ctx context.Context) (<-chan *redis.Message, error) {
	if m == nil {
		return nil, fmt.Errorf("registrycache: mirror disabled")
	}
	sub := m.rdb.Subscribe(ctx, changeChannel)
	if _, err := sub.Receive(ctx); err != nil {
		return nil, fmt.Errorf("registrycache: subscribe: %w", err)
	}
	return sub.Channel(), nil
}

// Close releases the underlying connection pool.
func (m *Mirror) Close() error {
	if m == nil {
		return nil
	}
	return m.rdb.Close()
}
