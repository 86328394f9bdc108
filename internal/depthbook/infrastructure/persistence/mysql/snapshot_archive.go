package mysql

import (
	"context"
	"errors"
	"fmt"

	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
	"github.com/wyfcoding/depthbook/pkg/db"
	"gorm.io/gorm"
)

// SnapshotArchive 把深度快照追加写入 depth_snapshots，供离线分析与回放比对
type SnapshotArchive struct {
	db *db.DB
}

func NewSnapshotArchive(d *db.DB) *SnapshotArchive {
	return &SnapshotArchive{db: d}
}

// AutoMigrate 建表
func (r *SnapshotArchive) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&DepthSnapshotModel{})
}

func (r *SnapshotArchive) Name() string { return "archive" }

func (r *SnapshotArchive) Save(ctx context.Context, snap domain.Snapshot) error {
	m, err := toDepthSnapshotModel(snap)
	if err != nil {
		return fmt.Errorf("failed to encode depth snapshot: %w", err)
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to archive depth snapshot for market %d: %w", snap.MarketID, err)
	}
	return nil
}

// SaveBatch 批量归档，用于离线补写
func (r *SnapshotArchive) SaveBatch(ctx context.Context, snaps []domain.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	models := make([]*DepthSnapshotModel, 0, len(snaps))
	for _, s := range snaps {
		m, err := toDepthSnapshotModel(s)
		if err != nil {
			return fmt.Errorf("failed to encode depth snapshot: %w", err)
		}
		models = append(models, m)
	}
	return r.db.BatchInsert(ctx, models, 500)
}

// Latest 某市场最新一条归档，不存在时返回 false
func (r *SnapshotArchive) Latest(ctx context.Context, market domain.MarketID) (domain.Snapshot, bool, error) {
	var m DepthSnapshotModel
	err := r.db.WithContext(ctx).
		Where("market_id = ?", uint16(market)).
		Order("sequence DESC").
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, err
	}
	s, err := toSnapshot(&m)
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("failed to decode archived snapshot: %w", err)
	}
	return s, true, nil
}

// Count 某市场归档条数
func (r *SnapshotArchive) Count(ctx context.Context, market domain.MarketID) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&DepthSnapshotModel{}).Where("market_id = ?", uint16(market)).Count(&n).Error
	return n, err
}
