package engine

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"predictmarket/internal/models"
	"predictmarket/internal/repository"
)

// stubRepo is a test-only in-memory implementation of repository.Repository.
// It keeps the book in maps and honors the same fill-state semantics as the
// gorm store so matcher tests exercise real state transitions.
type stubRepo struct {
	nextID    uint64
	orders    map[uint64]*models.Order
	fills     []models.OrderFill
	positions map[string]*models.Position
	markets   map[string]*models.Market
	nonces    map[string]uint64
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		orders:    map[uint64]*models.Order{},
		positions: map[string]*models.Position{},
		markets:   map[string]*models.Market{},
		nonces:    map[string]uint64{},
	}
}

func (s *stubRepo) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error { return fn(nil) }

func (s *stubRepo) InsertOrder(ctx context.Context, item *models.Order) error {
	s.nextID++
	item.ID = s.nextID
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	cp := *item
	s.orders[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetOrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (s *stubRepo) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	var out []models.Order
	for _, o := range s.orders {
		if params.Status != nil && o.Status != *params.Status {
			continue
		}
		if params.MarketID != nil && o.MarketID != *params.MarketID {
			continue
		}
		if params.Maker != nil && o.Maker != *params.Maker {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubRepo) CountOrders(ctx context.Context, params repository.ListOrdersParams) (int64, error) {
	items, _ := s.ListOrders(ctx, params)
	return int64(len(items)), nil
}

func (s *stubRepo) ListOpenOrders(ctx context.Context, side repository.BookSide) ([]models.Order, error) {
	var out []models.Order
	for _, o := range s.orders {
		if o.Status != models.OrderStatusOpen {
			continue
		}
		if o.MarketID != side.MarketID || o.Outcome != side.Outcome || o.Side != side.Side {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *stubRepo) ListOpenOrdersByMarket(ctx context.Context, marketID string, outcome bool) ([]models.Order, error) {
	var out []models.Order
	for _, o := range s.orders {
		if o.Status != models.OrderStatusOpen || o.MarketID != marketID || o.Outcome != outcome {
			continue
		}
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *stubRepo) ListDormantStopOrders(ctx context.Context, limit int) ([]models.Order, error) {
	var out []models.Order
	for _, o := range s.orders {
		if o.Status == models.OrderStatusDormant && o.Kind == models.OrderKindStopLoss {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubRepo) CancelOrder(ctx context.Context, id uint64, at time.Time) error {
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	if o.Status == models.OrderStatusOpen || o.Status == models.OrderStatusDormant {
		o.Status = models.OrderStatusCancelled
		o.CancelledAt = &at
	}
	return nil
}

func (s *stubRepo) ActivateStopOrder(ctx context.Context, id uint64) error {
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	if o.Status == models.OrderStatusDormant {
		o.Status = models.OrderStatusOpen
	}
	return nil
}

func (s *stubRepo) GetOrderForUpdateTx(ctx context.Context, tx *gorm.DB, id uint64) (*models.Order, error) {
	return s.GetOrderByID(ctx, id)
}

func (s *stubRepo) UpdateOrderFillStateTx(ctx context.Context, tx *gorm.DB, id uint64, filled decimal.Decimal, status string, filledAt *time.Time) error {
	o, ok := s.orders[id]
	if !ok {
		return nil
	}
	o.Filled = filled
	o.Status = status
	o.FilledAt = filledAt
	return nil
}

func (s *stubRepo) InsertFillTx(ctx context.Context, tx *gorm.DB, item *models.OrderFill) error {
	item.ID = uint64(len(s.fills) + 1)
	s.fills = append(s.fills, *item)
	return nil
}

func (s *stubRepo) ListFillsByOrderID(ctx context.Context, orderID uint64) ([]models.OrderFill, error) {
	var out []models.OrderFill
	for _, f := range s.fills {
		if f.MakerOrderID == orderID || f.TakerOrderID == orderID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *stubRepo) SumFillNotionalTx(ctx context.Context, tx *gorm.DB, marketID string) (repository.FillNotional, error) {
	var n repository.FillNotional
	for _, f := range s.fills {
		if f.MarketID != marketID {
			continue
		}
		notional := f.Price.Mul(f.Size)
		if f.Outcome {
			n.Yes = n.Yes.Add(notional)
		} else {
			n.No = n.No.Add(notional)
		}
	}
	return n, nil
}

func (s *stubRepo) GetPosition(ctx context.Context, user, marketID string) (*models.Position, error) {
	p, ok := s.positions[user+"|"+marketID]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (s *stubRepo) ListPositionsByUser(ctx context.Context, user string) ([]models.Position, error) {
	var out []models.Position
	for _, p := range s.positions {
		if p.User == user {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *stubRepo) ApplyPositionDeltaTx(ctx context.Context, tx *gorm.DB, user, marketID string, outcome bool, shareDelta, investedDelta decimal.Decimal) error {
	key := user + "|" + marketID
	p, ok := s.positions[key]
	if !ok {
		p = &models.Position{User: user, MarketID: marketID}
		s.positions[key] = p
	}
	if outcome {
		p.YesShares = p.YesShares.Add(shareDelta)
	} else {
		p.NoShares = p.NoShares.Add(shareDelta)
	}
	p.Invested = p.Invested.Add(investedDelta)
	return nil
}

func (s *stubRepo) InsertMarket(ctx context.Context, item *models.Market) error {
	cp := *item
	s.markets[item.ID] = &cp
	return nil
}

func (s *stubRepo) GetMarketByID(ctx context.Context, id string) (*models.Market, error) {
	m, ok := s.markets[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *stubRepo) ListMarkets(ctx context.Context, params repository.ListMarketsParams) ([]models.Market, error) {
	var out []models.Market
	for _, m := range s.markets {
		if params.Resolved != nil && m.Resolved != *params.Resolved {
			continue
		}
		out = append(out, *m)
	}
	return out, nil
}

func (s *stubRepo) CountMarkets(ctx context.Context, params repository.ListMarketsParams) (int64, error) {
	items, _ := s.ListMarkets(ctx, params)
	return int64(len(items)), nil
}

func (s *stubRepo) UpdateMarketStatsTx(ctx context.Context, tx *gorm.DB, marketID string, yesPrice, noPrice, volumeDelta decimal.Decimal) error {
	m, ok := s.markets[marketID]
	if !ok {
		return nil
	}
	m.YesPrice = yesPrice
	m.NoPrice = noPrice
	m.Volume = m.Volume.Add(volumeDelta)
	return nil
}

func (s *stubRepo) GetUserNonce(ctx context.Context, user string) (uint64, error) {
	return s.nonces[user], nil
}

func (s *stubRepo) GetUserNonceForUpdateTx(ctx context.Context, tx *gorm.DB, user string) (uint64, error) {
	return s.nonces[user], nil
}

func (s *stubRepo) SaveUserNonceTx(ctx context.Context, tx *gorm.DB, user string, nonce uint64) error {
	s.nonces[user] = nonce
	return nil
}
