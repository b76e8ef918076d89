package chainwatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// Cursor remembers how far the watcher has read and which transactions it
// has already handled.
type Cursor interface {
	Load(ctx context.Context) (lt uint64, hash []byte, err error)
	Save(ctx context.Context, lt uint64, hash []byte) error
	Seen(ctx context.Context, lt uint64) (bool, error)
	MarkSeen(ctx context.Context, lt uint64, outcome string) error
}

type RedisCursor struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisCursor(rdb *redis.Client, watchAddress string) *RedisCursor {
	return &RedisCursor{rdb: rdb, prefix: "chain-watcher:" + watchAddress + ":"}
}

func (c *RedisCursor) Load(ctx context.Context) (uint64, []byte, error) {
	val, err := c.rdb.Get(ctx, c.prefix+"cursor:lt").Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, err
	}
	lt, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, nil, fmt.Errorf("corrupt cursor %q: %w", val, err)
	}
	hashHex, err := c.rdb.Get(ctx, c.prefix+"cursor:hash").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, nil, err
	}
	hash, _ := hex.DecodeString(hashHex)
	return lt, hash, nil
}

func (c *RedisCursor) Save(ctx context.Context, lt uint64, hash []byte) error {
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.prefix+"cursor:lt", strconv.FormatUint(lt, 10), 0)
		pipe.Set(ctx, c.prefix+"cursor:hash", hex.EncodeToString(hash), 0)
		return nil
	})
	return err
}

func (c *RedisCursor) Seen(ctx context.Context, lt uint64) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.txKey(lt)).Result()
	return n > 0, err
}

func (c *RedisCursor) MarkSeen(ctx context.Context, lt uint64, outcome string) error {
	return c.rdb.Set(ctx, c.txKey(lt), outcome, processedTTL).Err()
}

func (c *RedisCursor) txKey(lt uint64) string {
	return c.prefix + "tx:" + strconv.FormatUint(lt, 10)
}
