package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"mining-settlement/config"
)

type Redis struct {
	Prefix string
	Client *redis.Client
}

func NewRedis(cfg *config.Redis) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Url,
		Password: cfg.Password,
		DB:       cfg.Database,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("unable to reach redis at %s: %w", cfg.Url, err)
	}

	return &Redis{
		Prefix: cfg.Prefix,
		Client: client,
	}, nil
}

func (r *Redis) Close() error {
	return r.Client.Close()
}
