package handler

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"predictmarket/internal/engine"
	"predictmarket/internal/models"
	"predictmarket/internal/repository"
)

type MarketHandler struct {
	Repo repository.Repository

	// DepthTTL bounds how stale a cached depth snapshot may get between
	// book-changing events. Zero disables caching.
	DepthTTL time.Duration

	mu    sync.Mutex
	cache map[string]depthCacheEntry
}

type depthCacheEntry struct {
	payload  depthResponse
	computed time.Time
}

type depthResponse struct {
	MarketID     string                   `json:"market_id"`
	Outcome      bool                     `json:"outcome"`
	Depth        engine.OrderBookDepth    `json:"depth"`
	Quality      engine.MarketQuality     `json:"quality"`
	Distribution []engine.LiquidityBucket `json:"distribution"`
}

// BookChanged drops the cached depth snapshot for the changed book so the
// next read recomputes from live orders. Satisfies the matcher's Broadcaster
// dependency alongside the websocket hub.
func (h *MarketHandler) BookChanged(marketID string, outcome bool) {
	h.mu.Lock()
	delete(h.cache, marketID+"|"+strconv.FormatBool(outcome))
	h.mu.Unlock()
}

func (h *MarketHandler) Register(r *gin.Engine) {
	r.GET("/markets", h.list)
	r.GET("/markets/:id", h.get)
	r.GET("/markets/:id/depth", h.depth)
	r.POST("/markets", h.create)
}

type createMarketRequest struct {
	ID        string     `json:"id" binding:"required"`
	Question  string     `json:"question" binding:"required"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *MarketHandler) create(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	var req createMarketRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	id := strings.TrimSpace(req.ID)
	existing, err := h.Repo.GetMarketByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if existing != nil {
		Error(c, http.StatusConflict, "market already exists", nil)
		return
	}
	half := decimal.NewFromFloat(0.5)
	market := &models.Market{
		ID:        id,
		Question:  strings.TrimSpace(req.Question),
		YesPrice:  half,
		NoPrice:   half,
		ExpiresAt: req.ExpiresAt,
	}
	if err := h.Repo.InsertMarket(c.Request.Context(), market); err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Created(c, market)
}

func (h *MarketHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	var resolved *bool
	if v := strings.TrimSpace(c.Query("resolved")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			resolved = &b
		}
	}
	params := repository.ListMarketsParams{
		Limit:    limit,
		Offset:   offset,
		Resolved: resolved,
		OrderBy:  "created_at",
		Asc:      boolPtr(false),
	}
	items, err := h.Repo.ListMarkets(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountMarkets(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *MarketHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	item, err := h.Repo.GetMarketByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "market not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *MarketHandler) depth(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := strings.TrimSpace(c.Param("id"))
	outcome := true
	if v := strings.TrimSpace(c.Query("outcome")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			outcome = b
		}
	}

	key := id + "|" + strconv.FormatBool(outcome)
	if h.DepthTTL > 0 {
		h.mu.Lock()
		entry, ok := h.cache[key]
		h.mu.Unlock()
		if ok && time.Since(entry.computed) < h.DepthTTL {
			Ok(c, entry.payload, nil)
			return
		}
	}

	market, err := h.Repo.GetMarketByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if market == nil {
		Error(c, http.StatusNotFound, "market not found", nil)
		return
	}

	orders, err := h.Repo.ListOpenOrdersByMarket(c.Request.Context(), id, outcome)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}

	depth := engine.CalculateDepth(orders)
	payload := depthResponse{
		MarketID:     id,
		Outcome:      outcome,
		Depth:        depth,
		Quality:      engine.CalculateMarketQuality(depth),
		Distribution: engine.LiquidityDistribution(depth),
	}

	if h.DepthTTL > 0 {
		h.mu.Lock()
		if h.cache == nil {
			h.cache = map[string]depthCacheEntry{}
		}
		h.cache[key] = depthCacheEntry{payload: payload, computed: time.Now()}
		h.mu.Unlock()
	}

	Ok(c, payload, nil)
}
