// Package cache Redis 客户端封装，基于 go-redis/v9
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config Redis 配置
type Config struct {
	Host         string
	Port         int
	Password     string
	DB           int
	MaxPoolSize  int
	ConnTimeout  int // 秒
	ReadTimeout  int // 秒
	WriteTimeout int // 秒
}

// RedisCache Redis 缓存实现
type RedisCache struct {
	client *redis.Client
	logger *slog.Logger
}

// New 创建 Redis 客户端并 Ping 验证连接
func New(cfg Config, logger *slog.Logger) (*RedisCache, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.MaxPoolSize,
		DialTimeout:  time.Duration(cfg.ConnTimeout) * time.Second,
		ReadTimeout:  time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.WriteTimeout) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	rc := NewFromClient(client, logger)
	rc.logger.Info("redis connected", "addr", addr)
	return rc, nil
}

// NewFromClient 包装已有客户端
func NewFromClient(client *redis.Client, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisCache{client: client, logger: logger.With("module", "redis_cache")}
}

// Get key 不存在时返回空串且无错误
func (rc *RedisCache) Get(ctx context.Context, key string) (string, error) {
	val, err := rc.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		rc.logger.ErrorContext(ctx, "redis get failed", "key", key, "error", err)
		return "", err
	}
	return val, nil
}

// GetJSON 返回 key 是否存在
func (rc *RedisCache) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	val, err := rc.Get(ctx, key)
	if err != nil || val == "" {
		return false, err
	}
	return true, json.Unmarshal([]byte(val), dest)
}

func (rc *RedisCache) SetJSON(ctx context.Context, key string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := rc.client.Set(ctx, key, data, expiration).Err(); err != nil {
		rc.logger.ErrorContext(ctx, "redis set failed", "key", key, "error", err)
		return err
	}
	return nil
}

// SetJSONAndPublish 在一个 MULTI/EXEC 中写入 key 并向 channel 发布同一份 JSON
func (rc *RedisCache) SetJSONAndPublish(ctx context.Context, key, channel string, value any, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = rc.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, expiration)
		pipe.Publish(ctx, channel, data)
		return nil
	})
	if err != nil {
		rc.logger.ErrorContext(ctx, "redis set+publish failed", "key", key, "channel", channel, "error", err)
		return err
	}
	return nil
}

func (rc *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := rc.client.Del(ctx, keys...).Err(); err != nil {
		rc.logger.ErrorContext(ctx, "redis delete failed", "keys", keys, "error", err)
		return err
	}
	return nil
}

// Subscribe 订阅频道，调用方负责关闭返回的 PubSub
func (rc *RedisCache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return rc.client.Subscribe(ctx, channels...)
}

func (rc *RedisCache) Ping(ctx context.Context) error {
	return rc.client.Ping(ctx).Err()
}

func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// GetClient 获取底层客户端
func (rc *RedisCache) GetClient() *redis.Client {
	return rc.client
}
