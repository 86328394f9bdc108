package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
	"github.com/wyfcoding/depthbook/pkg/cache"
)

const defaultPrefix = "depthbook:snapshot:"

// SnapshotCache 最新深度快照缓存。写入时同时向同名频道发布，订阅方据此推送行情。
type SnapshotCache struct {
	cache  *cache.RedisCache
	prefix string
	ttl    time.Duration
}

func NewSnapshotCache(c *cache.RedisCache, prefix string, ttl time.Duration) *SnapshotCache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &SnapshotCache{cache: c, prefix: prefix, ttl: ttl}
}

func (r *SnapshotCache) Name() string { return "redis" }

func (r *SnapshotCache) Save(ctx context.Context, snap domain.Snapshot) error {
	key := r.Key(snap.MarketID)
	if err := r.cache.SetJSONAndPublish(ctx, key, key, snap, r.ttl); err != nil {
		return fmt.Errorf("failed to cache depth snapshot for market %d: %w", snap.MarketID, err)
	}
	return nil
}

// Get 读取缓存快照，不存在时返回 false
func (r *SnapshotCache) Get(ctx context.Context, market domain.MarketID) (domain.Snapshot, bool, error) {
	var snap domain.Snapshot
	ok, err := r.cache.GetJSON(ctx, r.Key(market), &snap)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("failed to get depth snapshot from redis: %w", err)
	}
	return snap, ok, nil
}

// Key 缓存 key，同时也是发布频道名
func (r *SnapshotCache) Key(market domain.MarketID) string {
	return r.prefix + strconv.Itoa(int(market))
}
