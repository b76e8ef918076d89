package db

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// redisOptions parses url and names the connection after the binary.
func redisOptions(url, service string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.ClientName == "" {
		opts.ClientName = ApplicationName + ":" + service
	}
	return opts, nil
}

func NewRedisClient(ctx context.Context, url, service string, log *zap.Logger) (*redis.Client, error) {
	opts, err := redisOptions(url, service)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	log.Info("redis connected",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.String("client_name", opts.ClientName),
	)
	return client, nil
}
