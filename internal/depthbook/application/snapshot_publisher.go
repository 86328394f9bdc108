package application

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
)

// SnapshotStore 快照下游存储（缓存、归档等）。只写不读回订单簿。
type SnapshotStore interface {
	Name() string
	Save(ctx context.Context, snap domain.Snapshot) error
}

// SnapshotPublisher 定时把序列号发生变化的市场快照推送到各个存储
type SnapshotPublisher struct {
	engine   *OrderbookEngine
	stores   []SnapshotStore
	depth    int
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last map[domain.MarketID]uint64
}

func NewSnapshotPublisher(engine *OrderbookEngine, depth int, interval time.Duration, logger *slog.Logger, stores ...SnapshotStore) *SnapshotPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &SnapshotPublisher{
		engine:   engine,
		stores:   stores,
		depth:    depth,
		interval: interval,
		logger:   logger.With("module", "snapshot_publisher"),
		last:     make(map[domain.MarketID]uint64),
	}
}

// Run 周期性发布直到 ctx 结束
func (p *SnapshotPublisher) Run(ctx context.Context) error {
	if len(p.stores) == 0 {
		p.logger.Info("no snapshot stores configured, publisher idle")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PublishOnce(ctx); err != nil {
				p.logger.Warn("snapshot publish failed", "error", err)
			}
		}
	}
}

// PublishOnce 发布一轮，返回成功写入全部存储的市场数。
// 从未变更（序列号为 0）或自上次发布后未变更的市场会被跳过。
func (p *SnapshotPublisher) PublishOnce(ctx context.Context) (int, error) {
	var snaps []domain.Snapshot
	p.mu.Lock()
	for _, id := range p.engine.Markets() {
		book, _ := p.engine.Orderbook(id)
		if seq := book.Sequence(); seq == 0 || seq == p.last[id] {
			continue
		}
		snaps = append(snaps, book.Snapshot(p.depth))
	}
	p.mu.Unlock()

	if len(snaps) == 0 {
		return 0, nil
	}

	failed := make([]bool, len(snaps))
	wp := pool.New().WithContext(ctx)
	for i, snap := range snaps {
		for _, store := range p.stores {
			wp.Go(func(ctx context.Context) error {
				if err := store.Save(ctx, snap); err != nil {
					p.mu.Lock()
					failed[i] = true
					p.mu.Unlock()
					return fmt.Errorf("%s: market %d: %w", store.Name(), snap.MarketID, err)
				}
				return nil
			})
		}
	}
	err := wp.Wait()

	published := 0
	p.mu.Lock()
	for i, snap := range snaps {
		if failed[i] {
			continue
		}
		if snap.Sequence > p.last[snap.MarketID] {
			p.last[snap.MarketID] = snap.Sequence
		}
		published++
	}
	p.mu.Unlock()

	return published, err
}
