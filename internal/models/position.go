package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the per-(user, market) share aggregate, upserted after every fill.
type Position struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	User     string `gorm:"column:user_address;type:varchar(42);not null;uniqueIndex:idx_positions_user_market"`
	MarketID string `gorm:"type:varchar(100);not null;uniqueIndex:idx_positions_user_market;index"`

	YesShares   decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	NoShares    decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	Invested    decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`
	RealizedPnL decimal.Decimal `gorm:"column:realized_pnl;type:numeric(30,10);not null;default:0"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Position) TableName() string {
	return "positions"
}
