package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-ledger/internal/core/domain"
)

const (
	snapshotKeyPrefix = "inventory:"
	idempotencyKeyTTL = 24 * time.Hour
)

// Overwrites the hash only when the incoming version is newer than the cached one.
var publishSnapshotScript = redis.NewScript(`
local key = KEYS[1]
local version = tonumber(ARGV[1])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) >= version then
	return 0
end

redis.call('HSET', key,
	'version', ARGV[1],
	'available', ARGV[2],
	'reserved', ARGV[3],
	'total', ARGV[4],
	'low_stock_threshold', ARGV[5],
	'updated_at', ARGV[6])
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *RedisAdapter) PublishSnapshot(ctx context.Context, inv domain.Inventory) error {
	key := snapshotKeyPrefix + inv.ProductID

	_, err := publishSnapshotScript.Run(ctx, r.client, []string{key},
		inv.Version, inv.Available, inv.Reserved, inv.Total, inv.LowStockThreshold,
		inv.UpdatedAt.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

func (r *RedisAdapter) GetSnapshot(ctx context.Context, productID string) (*domain.Inventory, error) {
	fields, err := r.client.HGetAll(ctx, snapshotKeyPrefix+productID).Result()
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	inv := domain.Inventory{ProductID: productID}
	var errs []error
	atoi := func(name string) int {
		n, err := strconv.Atoi(fields[name])
		if err != nil {
			errs = append(errs, fmt.Errorf("field %s: %w", name, err))
		}
		return n
	}
	inv.Version = atoi("version")
	inv.Available = atoi("available")
	inv.Reserved = atoi("reserved")
	inv.Total = atoi("total")
	inv.LowStockThreshold = atoi("low_stock_threshold")
	if inv.UpdatedAt, err = time.Parse(time.RFC3339Nano, fields["updated_at"]); err != nil {
		errs = append(errs, fmt.Errorf("field updated_at: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", productID, err)
	}

	return &inv, nil
}
