// Package ws fans out orderbook updates to websocket subscribers by market.
package ws

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"predictmarket/internal/engine"
	"predictmarket/internal/repository"
)

// BookUpdate is the payload pushed to subscribers whenever a book changes.
type BookUpdate struct {
	Type      string                `json:"type"`
	MarketID  string                `json:"market_id"`
	Outcome   bool                  `json:"outcome"`
	Depth     engine.OrderBookDepth `json:"depth"`
	Quality   engine.MarketQuality  `json:"quality"`
	Timestamp time.Time             `json:"timestamp"`
}

type Hub struct {
	Repo   repository.Repository
	Logger *zap.Logger

	// Levels bounds the book sides carried in each update. Zero means 10.
	Levels int

	mu   sync.RWMutex
	subs map[string]map[uint64]chan BookUpdate
	next uint64

	droppedFanout uint64
}

func NewHub(repo repository.Repository, logger *zap.Logger, levels int) *Hub {
	if levels <= 0 {
		levels = 10
	}
	return &Hub{
		Repo:   repo,
		Logger: logger,
		Levels: levels,
		subs:   map[string]map[uint64]chan BookUpdate{},
	}
}

// Subscribe registers interest in one market. The returned cancel func must
// be called when the subscriber goes away.
func (h *Hub) Subscribe(marketID string, buf int) (<-chan BookUpdate, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan BookUpdate, buf)

	h.mu.Lock()
	h.next++
	id := h.next
	if h.subs[marketID] == nil {
		h.subs[marketID] = map[uint64]chan BookUpdate{}
	}
	h.subs[marketID][id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[marketID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(h.subs, marketID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// BookChanged recomputes depth for the changed book and fans the update out.
// It satisfies the matcher's Broadcaster dependency.
func (h *Hub) BookChanged(marketID string, outcome bool) {
	if h == nil || h.Repo == nil {
		return
	}
	h.mu.RLock()
	listeners := len(h.subs[marketID])
	h.mu.RUnlock()
	if listeners == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	orders, err := h.Repo.ListOpenOrdersByMarket(ctx, marketID, outcome)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Warn("depth recompute failed", zap.String("market", marketID), zap.Error(err))
		}
		return
	}

	full := engine.CalculateDepth(orders)
	update := BookUpdate{
		Type:      "orderbook_update",
		MarketID:  marketID,
		Outcome:   outcome,
		Depth:     engine.TopLevels(full, h.Levels),
		Quality:   engine.CalculateMarketQuality(full),
		Timestamp: time.Now().UTC(),
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[marketID] {
		select {
		case ch <- update:
		default:
			// Drop when a subscriber is slow; the hub must not block matching.
			atomic.AddUint64(&h.droppedFanout, 1)
		}
	}
}

// Dropped reports how many updates were discarded due to slow subscribers.
func (h *Hub) Dropped() uint64 {
	return atomic.LoadUint64(&h.droppedFanout)
}
