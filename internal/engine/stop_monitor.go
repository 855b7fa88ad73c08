package engine

import (
	"context"

	"go.uber.org/zap"

	"predictmarket/internal/models"
	"predictmarket/internal/repository"
)

// StopMonitor promotes dormant stop-loss sells to live limit orders once the
// market price for their outcome reaches the trigger. It runs on a cron tick.
type StopMonitor struct {
	Repo    repository.Repository
	Matcher *Matcher
	Logger  *zap.Logger

	ScanLimit int
}

func (sm *StopMonitor) Scan(ctx context.Context) error {
	if sm == nil || sm.Repo == nil || sm.Matcher == nil {
		return nil
	}
	limit := sm.ScanLimit
	if limit <= 0 {
		limit = 200
	}
	dormant, err := sm.Repo.ListDormantStopOrders(ctx, limit)
	if err != nil {
		return err
	}

	marketCache := map[string]*models.Market{}
	for i := range dormant {
		order := &dormant[i]
		if order.StopPrice == nil {
			continue
		}

		market, ok := marketCache[order.MarketID]
		if !ok {
			market, err = sm.Repo.GetMarketByID(ctx, order.MarketID)
			if err != nil {
				return err
			}
			marketCache[order.MarketID] = market
		}
		if market == nil {
			continue
		}

		current := market.NoPrice
		if order.Outcome {
			current = market.YesPrice
		}
		if current.GreaterThan(*order.StopPrice) {
			continue
		}

		if err := sm.Repo.ActivateStopOrder(ctx, order.ID); err != nil {
			return err
		}
		order.Status = models.OrderStatusOpen
		order.Kind = models.OrderKindLimit

		if sm.Logger != nil {
			sm.Logger.Info("stop-loss triggered",
				zap.Uint64("order", order.ID),
				zap.String("market", order.MarketID),
				zap.String("stop_price", order.StopPrice.String()),
				zap.String("market_price", current.String()),
			)
		}

		if err := sm.Matcher.Resubmit(ctx, order); err != nil {
			if sm.Logger != nil {
				sm.Logger.Warn("stop-loss resubmit failed", zap.Uint64("order", order.ID), zap.Error(err))
			}
		}
	}
	return nil
}
