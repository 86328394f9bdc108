package mysql

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/depthbook/internal/depthbook/domain"
)

// DepthSnapshotModel 深度快照归档表映射，只追加不更新
type DepthSnapshotModel struct {
	ID        uint64          `gorm:"column:id;primaryKey;autoIncrement"`
	MarketID  uint16          `gorm:"column:market_id;not null;index:idx_market_seq,priority:1;comment:市场ID"`
	Sequence  uint64          `gorm:"column:sequence;not null;index:idx_market_seq,priority:2;comment:订单簿序列号"`
	Timestamp int64           `gorm:"column:timestamp;not null;comment:最后变更时间"`
	BestBid   decimal.Decimal `gorm:"column:best_bid;type:decimal(36,18);comment:最优买价"`
	BestAsk   decimal.Decimal `gorm:"column:best_ask;type:decimal(36,18);comment:最优卖价"`
	Spread    decimal.Decimal `gorm:"column:spread;type:decimal(36,18);comment:买卖价差"`
	BidLevels int             `gorm:"column:bid_levels;not null;default:0"`
	AskLevels int             `gorm:"column:ask_levels;not null;default:0"`
	BidsJSON  string          `gorm:"column:bids;type:json"`
	AsksJSON  string          `gorm:"column:asks;type:json"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (DepthSnapshotModel) TableName() string { return "depth_snapshots" }

func toDepthSnapshotModel(s domain.Snapshot) (*DepthSnapshotModel, error) {
	bids, err := json.Marshal(levels(s.Bids))
	if err != nil {
		return nil, err
	}
	asks, err := json.Marshal(levels(s.Asks))
	if err != nil {
		return nil, err
	}
	m := &DepthSnapshotModel{
		MarketID:  uint16(s.MarketID),
		Sequence:  s.Sequence,
		Timestamp: s.Timestamp,
		Spread:    s.Spread,
		BidLevels: len(s.Bids),
		AskLevels: len(s.Asks),
		BidsJSON:  string(bids),
		AsksJSON:  string(asks),
	}
	if p, ok := s.BestBid(); ok {
		m.BestBid = p
	}
	if p, ok := s.BestAsk(); ok {
		m.BestAsk = p
	}
	return m, nil
}

func toSnapshot(m *DepthSnapshotModel) (domain.Snapshot, error) {
	s := domain.Snapshot{
		MarketID:  domain.MarketID(m.MarketID),
		Sequence:  m.Sequence,
		Timestamp: m.Timestamp,
		Spread:    m.Spread,
	}
	if err := json.Unmarshal([]byte(m.BidsJSON), &s.Bids); err != nil {
		return domain.Snapshot{}, err
	}
	if err := json.Unmarshal([]byte(m.AsksJSON), &s.Asks); err != nil {
		return domain.Snapshot{}, err
	}
	return s, nil
}

// 空侧写成 [] 而不是 null
func levels(v []domain.LevelView) []domain.LevelView {
	if v == nil {
		return []domain.LevelView{}
	}
	return v
}
