// Package redisclient is the Redis stock backend. Counters live in one hash
// per variant and are only ever changed by the embedded Lua scripts, so
// every operation is a single atomic step on the server.
package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

//go:embed scripts/restock_stock.lua
var restockStockScript string

//go:embed scripts/seed_stock.lua
var seedStockScript string

type Client struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
	restockScript *redis.Script
	seedScript    *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
		restockScript: redis.NewScript(restockStockScript),
		seedScript:    redis.NewScript(seedStockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// The hash tag keeps a variant's counters and journal in one cluster slot.
func inventoryKey(variantID string) string {
	return fmt.Sprintf("inventory:{%s}", variantID)
}

func journalKey(variantID string) string {
	return fmt.Sprintf("inventory:{%s}:journal", variantID)
}

func unknownVariant(variantID string) error {
	return fmt.Errorf("variant %s: %w", variantID, models.ErrNotFound)
}

// Reserve atomically moves quantity from available to reserved.
// Returns false if there is not enough available stock.
func (c *Client) Reserve(ctx context.Context, variantID string, quantity int) (bool, error) {
	result, err := c.reserveScript.Run(ctx, c.rdb, []string{inventoryKey(variantID)}, quantity).Int64()
	if err != nil {
		return false, fmt.Errorf("reserve stock script failed: %w", err)
	}

	switch result {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, unknownVariant(variantID)
	}
}

// Release moves up to quantity from reserved back to available
func (c *Client) Release(ctx context.Context, variantID string, quantity int) (int, error) {
	applied, released, err := c.move(ctx, c.releaseScript, []string{inventoryKey(variantID)}, quantity)
	if err != nil {
		return 0, fmt.Errorf("release stock script failed: %w", err)
	}
	if applied < 0 {
		return 0, unknownVariant(variantID)
	}
	return released, nil
}

// ReleaseForSession releases at most once per (variant, session)
func (c *Client) ReleaseForSession(ctx context.Context, variantID string, quantity int, sessionID string) (bool, int, error) {
	keys := []string{inventoryKey(variantID), journalKey(variantID)}
	applied, released, err := c.move(ctx, c.releaseScript, keys, quantity, "release:"+sessionID)
	if err != nil {
		return false, 0, fmt.Errorf("release stock script failed: %w", err)
	}
	if applied < 0 {
		return false, 0, unknownVariant(variantID)
	}
	return applied == 1, released, nil
}

// Commit permanently removes quantity from reserved, once per (variant, session)
func (c *Client) Commit(ctx context.Context, variantID string, quantity int, sessionID string) (bool, int, error) {
	keys := []string{inventoryKey(variantID), journalKey(variantID)}
	applied, committed, err := c.move(ctx, c.commitScript, keys, quantity, "commit:"+sessionID)
	if err != nil {
		return false, 0, fmt.Errorf("commit stock script failed: %w", err)
	}
	if applied < 0 {
		return false, 0, unknownVariant(variantID)
	}
	return applied == 1, committed, nil
}

// Restock adds quantity to available, or writes it off when negative
func (c *Client) Restock(ctx context.Context, variantID string, quantity int) (int, bool, error) {
	applied, available, err := c.move(ctx, c.restockScript, []string{inventoryKey(variantID)}, quantity)
	if err != nil {
		return 0, false, fmt.Errorf("restock script failed: %w", err)
	}
	if applied < 0 {
		return 0, false, unknownVariant(variantID)
	}
	return available, applied == 1, nil
}

func (c *Client) move(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (int64, int, error) {
	result, err := script.Run(ctx, c.rdb, keys, args...).Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(result) != 2 {
		return 0, 0, errors.New("unexpected script result")
	}
	applied, ok1 := result[0].(int64)
	moved, ok2 := result[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, errors.New("unexpected script result type")
	}
	return applied, int(moved), nil
}

// SeedVariant writes the counters of v unless the variant already has a key.
// Returns true if it wrote anything.
func (c *Client) SeedVariant(ctx context.Context, v models.Variant) (bool, error) {
	result, err := c.seedScript.Run(ctx, c.rdb, []string{inventoryKey(v.ID)},
		v.AvailableQuantity, v.ReservedQuantity, v.CommittedQuantity).Int64()
	if err != nil {
		return false, fmt.Errorf("seed stock script failed: %w", err)
	}
	return result == 1, nil
}

// GetVariant returns the counters held in Redis. Catalog fields such as
// name and price stay in the database.
func (c *Client) GetVariant(ctx context.Context, variantID string) (*models.Variant, error) {
	result, err := c.rdb.HGetAll(ctx, inventoryKey(variantID)).Result()
	if err != nil {
		return nil, err
	}

	if len(result) == 0 {
		return nil, unknownVariant(variantID)
	}

	v := &models.Variant{ID: variantID}
	for field, dst := range map[string]*int{
		"available": &v.AvailableQuantity,
		"reserved":  &v.ReservedQuantity,
		"committed": &v.CommittedQuantity,
	} {
		if raw, ok := result[field]; ok {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("inventory %s field %s: %w", variantID, field, err)
			}
			*dst = n
		}
	}
	return v, nil
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
