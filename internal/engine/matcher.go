package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"predictmarket/internal/models"
	"predictmarket/internal/repository"
)

// Broadcaster is notified after every book-changing event. The websocket hub
// implements it; a nil Broadcast field disables notifications.
type Broadcaster interface {
	BookChanged(marketID string, outcome bool)
}

// BroadcastGroup fans one book change out to several broadcasters.
type BroadcastGroup []Broadcaster

func (g BroadcastGroup) BookChanged(marketID string, outcome bool) {
	for _, b := range g {
		if b != nil {
			b.BookChanged(marketID, outcome)
		}
	}
}

// Matcher is the CLOB engine. All matching for one market id runs under that
// market's lock so price-time priority holds across concurrent submissions;
// independent markets proceed in parallel.
type Matcher struct {
	Repo      repository.Repository
	Logger    *zap.Logger
	Broadcast Broadcaster

	// Tolerance absorbs float rounding when comparing prices. Zero means the
	// default of 1e-4.
	Tolerance decimal.Decimal

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

var defaultTolerance = decimal.NewFromFloat(0.0001)

func (m *Matcher) tolerance() decimal.Decimal {
	if m.Tolerance.IsPositive() {
		return m.Tolerance
	}
	return defaultTolerance
}

func (m *Matcher) marketLock(marketID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = map[string]*sync.Mutex{}
	}
	lock, ok := m.locks[marketID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[marketID] = lock
	}
	return lock
}

// Validate checks an order against the market and bounds rules. It never
// mutates state.
func (m *Matcher) Validate(ctx context.Context, order *models.Order) error {
	if order == nil {
		return fmt.Errorf("order is nil")
	}
	now := time.Now().UTC()

	market, err := m.Repo.GetMarketByID(ctx, order.MarketID)
	if err != nil {
		return err
	}
	if market == nil {
		return ErrMarketNotFound
	}
	if market.IsExpired(now) {
		return ErrMarketExpired
	}
	if market.Resolved {
		return ErrMarketResolved
	}
	if order.IsExpired(now) {
		return ErrOrderExpired
	}
	if order.Price.LessThan(decimal.NewFromFloat(0.01)) || order.Price.GreaterThan(decimal.NewFromFloat(0.99)) {
		return ErrPriceOutOfRange
	}
	if !order.Size.IsPositive() {
		return ErrSizeNotPositive
	}
	return nil
}

// Submit validates, persists, and matches a new order. Stop-loss sells are
// stored dormant and skipped by matching until the stop monitor promotes them.
func (m *Matcher) Submit(ctx context.Context, order *models.Order) error {
	if m == nil || m.Repo == nil {
		return fmt.Errorf("matcher unavailable")
	}
	if err := m.Validate(ctx, order); err != nil {
		return err
	}

	lock := m.marketLock(order.MarketID)
	lock.Lock()
	defer lock.Unlock()

	if order.Kind == models.OrderKindStopLoss && order.Side == models.OrderSideSell {
		order.Status = models.OrderStatusDormant
		return m.Repo.InsertOrder(ctx, order)
	}

	candidates, err := m.crossingCandidates(ctx, order)
	if err != nil {
		return err
	}

	if order.TimeInForce == models.TimeInForceFOK {
		if !m.fokSatisfiable(order, candidates) {
			return ErrInsufficientLiquidity
		}
	}

	order.Status = models.OrderStatusOpen
	if err := m.Repo.InsertOrder(ctx, order); err != nil {
		return err
	}

	return m.match(ctx, order, candidates)
}

// Resubmit runs the fill loop for an order that already exists in the store,
// such as a stop-loss order promoted to a live limit order.
func (m *Matcher) Resubmit(ctx context.Context, order *models.Order) error {
	if m == nil || m.Repo == nil {
		return fmt.Errorf("matcher unavailable")
	}
	lock := m.marketLock(order.MarketID)
	lock.Lock()
	defer lock.Unlock()

	candidates, err := m.crossingCandidates(ctx, order)
	if err != nil {
		return err
	}
	return m.match(ctx, order, candidates)
}

// crossingCandidates returns open opposite-side orders for the same market and
// outcome whose price crosses the taker's, sorted best-price-first for the
// taker with time priority inside the tolerance band.
func (m *Matcher) crossingCandidates(ctx context.Context, taker *models.Order) ([]models.Order, error) {
	opposite := models.OrderSideSell
	if taker.Side == models.OrderSideSell {
		opposite = models.OrderSideBuy
	}
	resting, err := m.Repo.ListOpenOrders(ctx, repository.BookSide{
		MarketID: taker.MarketID,
		Outcome:  taker.Outcome,
		Side:     opposite,
	})
	if err != nil {
		return nil, err
	}

	tol := m.tolerance()
	candidates := make([]models.Order, 0, len(resting))
	for _, maker := range resting {
		if maker.ID != 0 && maker.ID == taker.ID {
			continue
		}
		if crosses(taker, &maker) {
			candidates = append(candidates, maker)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := &candidates[i], &candidates[j]
		diff := a.Price.Sub(b.Price)
		if diff.Abs().GreaterThan(tol) {
			if taker.Side == models.OrderSideBuy {
				// Taker buys: cheapest ask first.
				return a.Price.LessThan(b.Price)
			}
			// Taker sells: highest bid first.
			return a.Price.GreaterThan(b.Price)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	return candidates, nil
}

// crosses is strict: a buy must bid at least the ask. The tolerance only
// softens price ordering among candidates, never what counts as a match.
func crosses(taker, maker *models.Order) bool {
	if taker.Side == models.OrderSideBuy {
		return taker.Price.GreaterThanOrEqual(maker.Price)
	}
	return maker.Price.GreaterThanOrEqual(taker.Price)
}

// fokSatisfiable walks the sorted candidates summing remaining liquidity until
// the requirement is met.
func (m *Matcher) fokSatisfiable(taker *models.Order, candidates []models.Order) bool {
	available := decimal.Zero
	for i := range candidates {
		available = available.Add(candidates[i].Remaining())
		if available.GreaterThanOrEqual(taker.Size) {
			return true
		}
	}
	return available.GreaterThanOrEqual(taker.Size)
}

// match walks the candidates filling the taker. Each fill is one storage
// transaction: the fill row, both order updates, both position upserts, and
// the market stats update commit or roll back together.
func (m *Matcher) match(ctx context.Context, taker *models.Order, candidates []models.Order) error {
	remaining := taker.Remaining()

	for i := range candidates {
		if !remaining.IsPositive() {
			break
		}
		maker := &candidates[i]

		filled, err := m.fill(ctx, taker, maker, remaining)
		if err != nil {
			return err
		}
		if filled.IsPositive() {
			remaining = remaining.Sub(filled)
		}
	}

	// Re-read the persisted taker to settle final status; the fill loop's
	// running total is advisory once concurrent cancellation is possible.
	persisted, err := m.Repo.GetOrderByID(ctx, taker.ID)
	if err != nil {
		return err
	}
	if persisted != nil {
		*taker = *persisted
	}

	if m.Broadcast != nil {
		m.Broadcast.BookChanged(taker.MarketID, taker.Outcome)
	}
	return nil
}

// fill executes a single taker/maker match at the maker's price.
func (m *Matcher) fill(ctx context.Context, taker, maker *models.Order, takerRemaining decimal.Decimal) (decimal.Decimal, error) {
	filled := decimal.Zero

	err := m.Repo.InTx(ctx, func(tx *gorm.DB) error {
		freshMaker, err := m.Repo.GetOrderForUpdateTx(ctx, tx, maker.ID)
		if err != nil {
			return err
		}
		freshTaker, err := m.Repo.GetOrderForUpdateTx(ctx, tx, taker.ID)
		if err != nil {
			return err
		}
		if freshMaker == nil || freshTaker == nil {
			return nil
		}
		if freshMaker.Status != models.OrderStatusOpen || freshTaker.Status != models.OrderStatusOpen {
			return nil
		}

		size := decimal.Min(freshTaker.Remaining(), freshMaker.Remaining())
		if !size.IsPositive() {
			return nil
		}

		// The resting order sets the price.
		price := freshMaker.Price
		notional := price.Mul(size)
		now := time.Now().UTC()

		buyer, seller := freshTaker, freshMaker
		if freshTaker.Side == models.OrderSideSell {
			buyer, seller = freshMaker, freshTaker
		}

		record := &models.OrderFill{
			MarketID:     freshTaker.MarketID,
			MakerOrderID: freshMaker.ID,
			TakerOrderID: freshTaker.ID,
			Maker:        freshMaker.Maker,
			Taker:        freshTaker.Maker,
			Outcome:      freshTaker.Outcome,
			Price:        price,
			Size:         size,
			CreatedAt:    now,
		}
		if err := m.Repo.InsertFillTx(ctx, tx, record); err != nil {
			return err
		}

		for _, side := range []*models.Order{freshMaker, freshTaker} {
			newFilled := side.Filled.Add(size)
			status := models.OrderStatusOpen
			var filledAt *time.Time
			if newFilled.GreaterThanOrEqual(side.Size) {
				status = models.OrderStatusFilled
				filledAt = &now
			}
			if err := m.Repo.UpdateOrderFillStateTx(ctx, tx, side.ID, newFilled, status, filledAt); err != nil {
				return err
			}
		}

		if err := m.Repo.ApplyPositionDeltaTx(ctx, tx, buyer.Maker, freshTaker.MarketID, freshTaker.Outcome, size, notional); err != nil {
			return err
		}
		if err := m.Repo.ApplyPositionDeltaTx(ctx, tx, seller.Maker, freshTaker.MarketID, freshTaker.Outcome, size.Neg(), notional.Neg()); err != nil {
			return err
		}

		if err := m.updateMarketMid(ctx, tx, freshTaker.MarketID, size); err != nil {
			return err
		}

		filled = size
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	if filled.IsPositive() && m.Logger != nil {
		m.Logger.Debug("order fill",
			zap.Uint64("maker_order", maker.ID),
			zap.Uint64("taker_order", taker.ID),
			zap.String("market", taker.MarketID),
			zap.String("size", filled.String()),
			zap.String("price", maker.Price.String()),
		)
	}
	return filled, nil
}

// updateMarketMid recomputes the yes/no mid as the volume-weighted share of
// cumulative YES vs NO fill notional and bumps traded volume.
func (m *Matcher) updateMarketMid(ctx context.Context, tx *gorm.DB, marketID string, volumeDelta decimal.Decimal) error {
	notional, err := m.Repo.SumFillNotionalTx(ctx, tx, marketID)
	if err != nil {
		return err
	}
	total := notional.Yes.Add(notional.No)
	yesPrice := decimal.NewFromFloat(0.5)
	if total.IsPositive() {
		yesPrice = notional.Yes.Div(total)
	}
	noPrice := decimal.NewFromInt(1).Sub(yesPrice)
	return m.Repo.UpdateMarketStatsTx(ctx, tx, marketID, yesPrice, noPrice, volumeDelta)
}

// Cancel transitions an order to cancelled and notifies subscribers.
func (m *Matcher) Cancel(ctx context.Context, id uint64) (*models.Order, error) {
	if m == nil || m.Repo == nil {
		return nil, fmt.Errorf("matcher unavailable")
	}
	order, err := m.Repo.GetOrderByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, nil
	}

	lock := m.marketLock(order.MarketID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.Repo.CancelOrder(ctx, id, time.Now().UTC()); err != nil {
		return nil, err
	}
	if m.Broadcast != nil {
		m.Broadcast.BookChanged(order.MarketID, order.Outcome)
	}
	return m.Repo.GetOrderByID(ctx, id)
}
