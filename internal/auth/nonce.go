package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrUnknownPayload = errors.New("unknown or expired proof payload")

// NonceStore issues single-use ton_proof payloads.
type NonceStore interface {
	Issue(ctx context.Context) (string, error)
	Consume(ctx context.Context, payload string) error
}

type RedisNonceStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisNonceStore(rdb *redis.Client, ttl time.Duration) *RedisNonceStore {
	return &RedisNonceStore{rdb: rdb, ttl: ttl}
}

func (s *RedisNonceStore) Issue(ctx context.Context) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	payload := hex.EncodeToString(buf)
	if err := s.rdb.Set(ctx, nonceKey(payload), 1, s.ttl).Err(); err != nil {
		return "", err
	}
	return payload, nil
}

func (s *RedisNonceStore) Consume(ctx context.Context, payload string) error {
	n, err := s.rdb.Del(ctx, nonceKey(payload)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownPayload
	}
	return nil
}

func nonceKey(payload string) string { return "ton-proof:payload:" + payload }
