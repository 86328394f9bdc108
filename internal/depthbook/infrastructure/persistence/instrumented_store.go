// Package persistence 快照存储的公共装饰器
package persistence

import (
	"context"
	"time"

	"github.com/wyfcoding/depthbook/internal/depthbook/application"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
	"github.com/wyfcoding/depthbook/pkg/metrics"
)

// InstrumentedStore 记录每次写入的结果与耗时
type InstrumentedStore struct {
	next application.SnapshotStore
	m    *metrics.Metrics
}

func Instrument(next application.SnapshotStore, m *metrics.Metrics) *InstrumentedStore {
	return &InstrumentedStore{next: next, m: m}
}

func (s *InstrumentedStore) Name() string { return s.next.Name() }

func (s *InstrumentedStore) Save(ctx context.Context, snap domain.Snapshot) error {
	start := time.Now()
	err := s.next.Save(ctx, snap)
	s.m.RecordSnapshotStore(s.next.Name(), err, time.Since(start))
	return err
}
