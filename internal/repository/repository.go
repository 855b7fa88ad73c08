package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"predictmarket/internal/models"
)

type ListOrdersParams struct {
	Limit    int
	Offset   int
	Status   *string
	MarketID *string
	Maker    *string
	OrderBy  string
	Asc      *bool
}

type ListMarketsParams struct {
	Limit    int
	Offset   int
	Resolved *bool
	OrderBy  string
	Asc      *bool
}

// BookSide selects resting-order candidates for one side of one outcome's book.
type BookSide struct {
	MarketID string
	Outcome  bool
	Side     string
}

// FillNotional is the cumulative traded notional split by outcome, used for
// the volume-weighted market mid-price.
type FillNotional struct {
	Yes decimal.Decimal
	No  decimal.Decimal
}

// Repository is the thin persistence boundary: plain CRUD, no matching logic.
type Repository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error

	// Orders
	InsertOrder(ctx context.Context, item *models.Order) error
	GetOrderByID(ctx context.Context, id uint64) (*models.Order, error)
	ListOrders(ctx context.Context, params ListOrdersParams) ([]models.Order, error)
	CountOrders(ctx context.Context, params ListOrdersParams) (int64, error)
	ListOpenOrders(ctx context.Context, side BookSide) ([]models.Order, error)
	ListOpenOrdersByMarket(ctx context.Context, marketID string, outcome bool) ([]models.Order, error)
	ListDormantStopOrders(ctx context.Context, limit int) ([]models.Order, error)
	CancelOrder(ctx context.Context, id uint64, at time.Time) error
	ActivateStopOrder(ctx context.Context, id uint64) error
	GetOrderForUpdateTx(ctx context.Context, tx *gorm.DB, id uint64) (*models.Order, error)
	UpdateOrderFillStateTx(ctx context.Context, tx *gorm.DB, id uint64, filled decimal.Decimal, status string, filledAt *time.Time) error

	// Fills
	InsertFillTx(ctx context.Context, tx *gorm.DB, item *models.OrderFill) error
	ListFillsByOrderID(ctx context.Context, orderID uint64) ([]models.OrderFill, error)
	SumFillNotionalTx(ctx context.Context, tx *gorm.DB, marketID string) (FillNotional, error)

	// Positions
	GetPosition(ctx context.Context, user, marketID string) (*models.Position, error)
	ListPositionsByUser(ctx context.Context, user string) ([]models.Position, error)
	ApplyPositionDeltaTx(ctx context.Context, tx *gorm.DB, user, marketID string, outcome bool, shareDelta, investedDelta decimal.Decimal) error

	// Markets
	InsertMarket(ctx context.Context, item *models.Market) error
	GetMarketByID(ctx context.Context, id string) (*models.Market, error)
	ListMarkets(ctx context.Context, params ListMarketsParams) ([]models.Market, error)
	CountMarkets(ctx context.Context, params ListMarketsParams) (int64, error)
	UpdateMarketStatsTx(ctx context.Context, tx *gorm.DB, marketID string, yesPrice, noPrice, volumeDelta decimal.Decimal) error

	// Nonces
	GetUserNonce(ctx context.Context, user string) (uint64, error)
	GetUserNonceForUpdateTx(ctx context.Context, tx *gorm.DB, user string) (uint64, error)
	SaveUserNonceTx(ctx context.Context, tx *gorm.DB, user string, nonce uint64) error
}
