// Package account implements the account-state service: it polls an exchange's
// REST surface for balances and positions, caches the latest snapshot, and
// persists it in Redis so restarts and sibling processes see current state.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/quantfabric/xconnect/internal/exchange"
)

const (
	balanceKeyPrefix  = "account:balance:"
	positionKeyPrefix = "account:position:"
	snapshotAtSuffix  = ":snapshot_at"
)

// RedisStore persists account snapshots in Redis, keyed by exchange name.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient wraps an existing client, for tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// SaveBalances replaces the balance hash for an exchange.
func (s *RedisStore) SaveBalances(ctx context.Context, exchangeName string, balances []exchange.Balance) error {
	key := balanceKeyPrefix + exchangeName
	fields := make(map[string]interface{}, len(balances))
	for _, b := range balances {
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("failed to marshal balance %s: %w", b.Asset, err)
		}
		fields[b.Asset] = raw
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
	}
	pipe.Set(ctx, key+snapshotAtSuffix, time.Now().UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save balances: %w", err)
	}
	return nil
}

// LoadBalances returns the persisted balance snapshot for an exchange.
func (s *RedisStore) LoadBalances(ctx context.Context, exchangeName string) ([]exchange.Balance, error) {
	raw, err := s.client.HGetAll(ctx, balanceKeyPrefix+exchangeName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load balances: %w", err)
	}
	balances := make([]exchange.Balance, 0, len(raw))
	for asset, v := range raw {
		var b exchange.Balance
		if err := json.Unmarshal([]byte(v), &b); err != nil {
			return nil, fmt.Errorf("failed to unmarshal balance %s: %w", asset, err)
		}
		balances = append(balances, b)
	}
	return balances, nil
}

// SavePositions replaces the position hash for an exchange.
func (s *RedisStore) SavePositions(ctx context.Context, exchangeName string, positions []exchange.Position) error {
	key := positionKeyPrefix + exchangeName
	fields := make(map[string]interface{}, len(positions))
	for _, p := range positions {
		raw, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal position %s: %w", p.Symbol, err)
		}
		fields[p.Symbol] = raw
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	if len(fields) > 0 {
		pipe.HSet(ctx, key, fields)
	}
	pipe.Set(ctx, key+snapshotAtSuffix, time.Now().UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save positions: %w", err)
	}
	return nil
}

// LoadPositions returns the persisted position snapshot for an exchange.
func (s *RedisStore) LoadPositions(ctx context.Context, exchangeName string) ([]exchange.Position, error) {
	raw, err := s.client.HGetAll(ctx, positionKeyPrefix+exchangeName).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}
	positions := make([]exchange.Position, 0, len(raw))
	for symbol, v := range raw {
		var p exchange.Position
		if err := json.Unmarshal([]byte(v), &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal position %s: %w", symbol, err)
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// SnapshotAge returns how old the persisted balance snapshot is.
func (s *RedisStore) SnapshotAge(ctx context.Context, exchangeName string) (time.Duration, error) {
	ms, err := s.client.Get(ctx, balanceKeyPrefix+exchangeName+snapshotAtSuffix).Int64()
	if err == redis.Nil {
		return 0, fmt.Errorf("no snapshot for %s", exchangeName)
	}
	if err != nil {
		return 0, err
	}
	return time.Since(time.UnixMilli(ms)), nil
}
