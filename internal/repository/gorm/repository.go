package gormrepository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"predictmarket/internal/models"
	"predictmarket/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) InTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(fn)
}

// --- Orders -----------------------------------------------------------------

func (s *Store) InsertOrder(ctx context.Context, item *models.Order) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetOrderByID(ctx context.Context, id uint64) (*models.Order, error) {
	if s == nil || s.db == nil || id == 0 {
		return nil, nil
	}
	var item models.Order
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func applyOrderFilters(query *gorm.DB, params repository.ListOrdersParams) *gorm.DB {
	if params.Status != nil && strings.TrimSpace(*params.Status) != "" {
		query = query.Where("status = ?", strings.TrimSpace(*params.Status))
	}
	if params.MarketID != nil && strings.TrimSpace(*params.MarketID) != "" {
		query = query.Where("market_id = ?", strings.TrimSpace(*params.MarketID))
	}
	if params.Maker != nil && strings.TrimSpace(*params.Maker) != "" {
		query = query.Where("maker = ?", strings.ToLower(strings.TrimSpace(*params.Maker)))
	}
	return query
}

func (s *Store) ListOrders(ctx context.Context, params repository.ListOrdersParams) ([]models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyOrderFilters(s.db.WithContext(ctx).Model(&models.Order{}), params)
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 50)
	offset := normalizeOffset(params.Offset)
	var items []models.Order
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountOrders(ctx context.Context, params repository.ListOrdersParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	query := applyOrderFilters(s.db.WithContext(ctx).Model(&models.Order{}), params)
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) ListOpenOrders(ctx context.Context, side repository.BookSide) ([]models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Order
	err := s.db.WithContext(ctx).
		Where("market_id = ?", side.MarketID).
		Where("outcome = ?", side.Outcome).
		Where("side = ?", side.Side).
		Where("status = ?", models.OrderStatusOpen).
		Order("created_at asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListOpenOrdersByMarket(ctx context.Context, marketID string, outcome bool) ([]models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Order
	err := s.db.WithContext(ctx).
		Where("market_id = ?", marketID).
		Where("outcome = ?", outcome).
		Where("status = ?", models.OrderStatusOpen).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ListDormantStopOrders(ctx context.Context, limit int) ([]models.Order, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Order
	err := s.db.WithContext(ctx).
		Where("status = ?", models.OrderStatusDormant).
		Where("kind = ?", models.OrderKindStopLoss).
		Order("created_at asc").
		Limit(normalizeLimit(limit, 200)).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CancelOrder(ctx context.Context, id uint64, at time.Time) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", id).
		Where("status IN ?", []string{models.OrderStatusOpen, models.OrderStatusDormant}).
		Updates(map[string]any{
			"status":       models.OrderStatusCancelled,
			"cancelled_at": at,
		}).Error
}

func (s *Store) ActivateStopOrder(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil || id == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", id).
		Where("status = ?", models.OrderStatusDormant).
		Updates(map[string]any{
			"status": models.OrderStatusOpen,
			"kind":   models.OrderKindLimit,
		}).Error
}

func (s *Store) GetOrderForUpdateTx(ctx context.Context, tx *gorm.DB, id uint64) (*models.Order, error) {
	if tx == nil || id == 0 {
		return nil, nil
	}
	var item models.Order
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) UpdateOrderFillStateTx(ctx context.Context, tx *gorm.DB, id uint64, filled decimal.Decimal, status string, filledAt *time.Time) error {
	if tx == nil || id == 0 {
		return nil
	}
	updates := map[string]any{
		"filled": filled,
		"status": status,
	}
	if filledAt != nil {
		updates["filled_at"] = *filledAt
	}
	return tx.WithContext(ctx).Model(&models.Order{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// --- Fills ------------------------------------------------------------------

func (s *Store) InsertFillTx(ctx context.Context, tx *gorm.DB, item *models.OrderFill) error {
	if tx == nil || item == nil {
		return nil
	}
	return tx.WithContext(ctx).Create(item).Error
}

func (s *Store) ListFillsByOrderID(ctx context.Context, orderID uint64) ([]models.OrderFill, error) {
	if s == nil || s.db == nil || orderID == 0 {
		return nil, nil
	}
	var items []models.OrderFill
	err := s.db.WithContext(ctx).
		Where("maker_order_id = ? OR taker_order_id = ?", orderID, orderID).
		Order("created_at asc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) SumFillNotionalTx(ctx context.Context, tx *gorm.DB, marketID string) (repository.FillNotional, error) {
	if tx == nil || marketID == "" {
		return repository.FillNotional{Yes: decimal.Zero, No: decimal.Zero}, nil
	}
	type row struct {
		Outcome  bool
		Notional decimal.Decimal
	}
	var rows []row
	err := tx.WithContext(ctx).Model(&models.OrderFill{}).
		Select("outcome, COALESCE(SUM(price * size), 0) AS notional").
		Where("market_id = ?", marketID).
		Group("outcome").
		Scan(&rows).Error
	if err != nil {
		return repository.FillNotional{}, err
	}
	out := repository.FillNotional{Yes: decimal.Zero, No: decimal.Zero}
	for _, r := range rows {
		if r.Outcome {
			out.Yes = r.Notional
		} else {
			out.No = r.Notional
		}
	}
	return out, nil
}

// --- Positions --------------------------------------------------------------

func (s *Store) GetPosition(ctx context.Context, user, marketID string) (*models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Position
	err := s.db.WithContext(ctx).
		Where("user_address = ?", strings.ToLower(user)).
		Where("market_id = ?", marketID).
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListPositionsByUser(ctx context.Context, user string) ([]models.Position, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Position
	err := s.db.WithContext(ctx).
		Where("user_address = ?", strings.ToLower(user)).
		Order("updated_at desc").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) ApplyPositionDeltaTx(ctx context.Context, tx *gorm.DB, user, marketID string, outcome bool, shareDelta, investedDelta decimal.Decimal) error {
	if tx == nil || user == "" || marketID == "" {
		return nil
	}
	user = strings.ToLower(user)
	now := time.Now().UTC()
	item := models.Position{
		User:      user,
		MarketID:  marketID,
		Invested:  investedDelta,
		CreatedAt: now,
		UpdatedAt: now,
	}
	shareColumn := "no_shares"
	if outcome {
		item.YesShares = shareDelta
		shareColumn = "yes_shares"
	} else {
		item.NoShares = shareDelta
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_address"}, {Name: "market_id"}},
		DoUpdates: clause.Assignments(map[string]any{
			shareColumn:  gorm.Expr(shareColumn+" + ?", shareDelta),
			"invested":   gorm.Expr("invested + ?", investedDelta),
			"updated_at": now,
		}),
	}).Create(&item).Error
}

// --- Markets ----------------------------------------------------------------

func (s *Store) InsertMarket(ctx context.Context, item *models.Market) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetMarketByID(ctx context.Context, id string) (*models.Market, error) {
	if s == nil || s.db == nil || strings.TrimSpace(id) == "" {
		return nil, nil
	}
	var item models.Market
	err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListMarkets(ctx context.Context, params repository.ListMarketsParams) ([]models.Market, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Market{})
	if params.Resolved != nil {
		query = query.Where("resolved = ?", *params.Resolved)
	}
	query = applyOrder(query, params.OrderBy, params.Asc, "created_at")
	limit := normalizeLimit(params.Limit, 50)
	offset := normalizeOffset(params.Offset)
	var items []models.Market
	if err := query.Limit(limit).Offset(offset).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountMarkets(ctx context.Context, params repository.ListMarketsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Market{})
	if params.Resolved != nil {
		query = query.Where("resolved = ?", *params.Resolved)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

func (s *Store) UpdateMarketStatsTx(ctx context.Context, tx *gorm.DB, marketID string, yesPrice, noPrice, volumeDelta decimal.Decimal) error {
	if tx == nil || marketID == "" {
		return nil
	}
	return tx.WithContext(ctx).Model(&models.Market{}).
		Where("id = ?", marketID).
		Updates(map[string]any{
			"yes_price": yesPrice,
			"no_price":  noPrice,
			"volume":    gorm.Expr("volume + ?", volumeDelta),
		}).Error
}

// --- Nonces -----------------------------------------------------------------

func (s *Store) GetUserNonce(ctx context.Context, user string) (uint64, error) {
	if s == nil || s.db == nil || user == "" {
		return 0, nil
	}
	var item models.UserNonce
	err := s.db.WithContext(ctx).First(&item, "user_address = ?", strings.ToLower(user)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return item.Nonce, nil
}

func (s *Store) GetUserNonceForUpdateTx(ctx context.Context, tx *gorm.DB, user string) (uint64, error) {
	if tx == nil || user == "" {
		return 0, nil
	}
	var item models.UserNonce
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&item, "user_address = ?", strings.ToLower(user)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return item.Nonce, nil
}

func (s *Store) SaveUserNonceTx(ctx context.Context, tx *gorm.DB, user string, nonce uint64) error {
	if tx == nil || user == "" {
		return nil
	}
	item := models.UserNonce{
		User:      strings.ToLower(user),
		Nonce:     nonce,
		UpdatedAt: time.Now().UTC(),
	}
	return tx.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_address"}},
		DoUpdates: clause.AssignmentColumns([]string{"nonce", "updated_at"}),
	}).Create(&item).Error
}

// --- helpers ----------------------------------------------------------------

func applyOrder(query *gorm.DB, orderBy string, asc *bool, fallback string) *gorm.DB {
	column := strings.TrimSpace(orderBy)
	if column == "" {
		column = fallback
	}
	direction := "desc"
	if asc != nil && *asc {
		direction = "asc"
	}
	return query.Order(column + " " + direction)
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 500 {
		return 500
	}
	return limit
}

func normalizeOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	return offset
}
