package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderFill is an immutable settlement record; rows are created once per match
// and never updated except to attach the execution-layer tx hash.
type OrderFill struct {
	ID           uint64 `gorm:"primaryKey;autoIncrement"`
	MarketID     string `gorm:"type:varchar(100);not null;index"`
	MakerOrderID uint64 `gorm:"not null;index"`
	TakerOrderID uint64 `gorm:"not null;index"`
	Maker        string `gorm:"type:varchar(42);not null;index"`
	Taker        string `gorm:"type:varchar(42);not null;index"`
	Outcome      bool   `gorm:"not null"`

	// Price is always the resting (maker) order's price.
	Price decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	Size  decimal.Decimal `gorm:"type:numeric(30,10);not null"`

	TxHash *string `gorm:"type:varchar(66)"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
}

func (OrderFill) TableName() string {
	return "order_fills"
}
