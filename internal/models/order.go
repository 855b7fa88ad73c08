package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

const (
	OrderSideBuy  = "buy"
	OrderSideSell = "sell"

	OrderStatusOpen      = "open"
	OrderStatusFilled    = "filled"
	OrderStatusCancelled = "cancelled"
	// Dormant stop orders sit outside the book until their trigger fires.
	OrderStatusDormant = "dormant"

	OrderKindLimit    = "limit"
	OrderKindMarket   = "market"
	OrderKindStopLoss = "stop_loss"

	TimeInForceGTC = "GTC"
	TimeInForceFOK = "FOK"
)

type Order struct {
	ID       uint64 `gorm:"primaryKey;autoIncrement"`
	MarketID string `gorm:"type:varchar(100);not null;index:idx_orders_book"`
	Maker    string `gorm:"type:varchar(42);not null;index"`

	Side    string `gorm:"type:varchar(10);not null;index:idx_orders_book"`
	Outcome bool   `gorm:"not null;index:idx_orders_book"`

	Price  decimal.Decimal `gorm:"type:numeric(20,10);not null"`
	Size   decimal.Decimal `gorm:"type:numeric(30,10);not null"`
	Filled decimal.Decimal `gorm:"type:numeric(30,10);not null;default:0"`

	Status      string           `gorm:"type:varchar(20);not null;default:'open';index:idx_orders_book"`
	Kind        string           `gorm:"type:varchar(20);not null;default:'limit'"`
	StopPrice   *decimal.Decimal `gorm:"type:numeric(20,10)"`
	TimeInForce string           `gorm:"type:varchar(10);not null;default:'GTC'"`

	Nonce      uint64         `gorm:"not null"`
	Salt       string         `gorm:"type:varchar(100)"`
	Signature  string         `gorm:"type:varchar(200);not null"`
	RawPayload datatypes.JSON `gorm:"type:jsonb"`

	ExpiresAt   *time.Time `gorm:"type:timestamptz"`
	CancelledAt *time.Time `gorm:"type:timestamptz"`
	FilledAt    *time.Time `gorm:"type:timestamptz"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime;index"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime"`
}

func (Order) TableName() string {
	return "orders"
}

// Remaining is the unfilled portion, never negative.
func (o *Order) Remaining() decimal.Decimal {
	rem := o.Size.Sub(o.Filled)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

func (o *Order) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.IsZero() && o.ExpiresAt.Before(now)
}
