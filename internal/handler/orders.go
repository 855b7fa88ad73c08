package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"predictmarket/internal/engine"
	"predictmarket/internal/metatx"
	"predictmarket/internal/models"
	"predictmarket/internal/nonce"
	"predictmarket/internal/repository"
)

type OrderHandler struct {
	Repo    repository.Repository
	Matcher *engine.Matcher
	Nonces  *nonce.Store
	Domain  metatx.SigningDomain
	Logger  *zap.Logger
}

func (h *OrderHandler) Register(r *gin.Engine) {
	r.POST("/orders", h.create)
	r.GET("/orders", h.list)
	r.GET("/orders/:id", h.get)
	r.GET("/orders/:id/fills", h.fills)
	r.DELETE("/orders/:id", h.cancel)
}

type createOrderRequest struct {
	MarketID    string           `json:"market_id" binding:"required"`
	Maker       string           `json:"maker" binding:"required"`
	Side        string           `json:"side" binding:"required"`
	Outcome     bool             `json:"outcome"`
	Price       decimal.Decimal  `json:"price"`
	Size        decimal.Decimal  `json:"size"`
	Signature   string           `json:"signature" binding:"required"`
	Salt        string           `json:"salt"`
	Nonce       uint64           `json:"nonce"`
	Expiration  *int64           `json:"expiration"`
	OrderType   string           `json:"order_type"`
	StopPrice   *decimal.Decimal `json:"stop_price"`
	TimeInForce string           `json:"time_in_force"`
}

func (h *OrderHandler) create(c *gin.Context) {
	if h.Matcher == nil || h.Nonces == nil {
		Error(c, http.StatusServiceUnavailable, "matching engine unavailable", nil)
		return
	}
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, err.Error(), nil)
		return
	}

	side := strings.ToLower(strings.TrimSpace(req.Side))
	if side != models.OrderSideBuy && side != models.OrderSideSell {
		Error(c, http.StatusBadRequest, "side must be buy or sell", nil)
		return
	}
	kind := strings.ToLower(strings.TrimSpace(req.OrderType))
	switch kind {
	case "":
		kind = models.OrderKindLimit
	case models.OrderKindLimit, models.OrderKindMarket, models.OrderKindStopLoss:
	default:
		Error(c, http.StatusBadRequest, "order_type must be limit, market or stop_loss", nil)
		return
	}
	tif := strings.ToUpper(strings.TrimSpace(req.TimeInForce))
	switch tif {
	case "":
		tif = models.TimeInForceGTC
	case models.TimeInForceGTC, models.TimeInForceFOK:
	default:
		Error(c, http.StatusBadRequest, "time_in_force must be GTC or FOK", nil)
		return
	}

	order := &models.Order{
		MarketID:    strings.TrimSpace(req.MarketID),
		Maker:       strings.ToLower(strings.TrimSpace(req.Maker)),
		Side:        side,
		Outcome:     req.Outcome,
		Price:       req.Price,
		Size:        req.Size,
		Filled:      decimal.Zero,
		Status:      models.OrderStatusOpen,
		Kind:        kind,
		StopPrice:   req.StopPrice,
		TimeInForce: tif,
		Nonce:       req.Nonce,
		Salt:        strings.TrimSpace(req.Salt),
		Signature:   strings.TrimSpace(req.Signature),
		CreatedAt:   time.Now().UTC(),
	}
	if req.Expiration != nil && *req.Expiration > 0 {
		exp := time.Unix(*req.Expiration, 0).UTC()
		order.ExpiresAt = &exp
	}
	if raw, err := json.Marshal(req); err == nil {
		order.RawPayload = datatypes.JSON(raw)
	}

	if err := metatx.VerifyOrderSignature(order, h.Domain); err != nil {
		Error(c, http.StatusBadRequest, "invalid signature: "+err.Error(), nil)
		return
	}

	if err := h.Nonces.ValidateAndUpdate(c.Request.Context(), order.Maker, order.Nonce); err != nil {
		if errors.Is(err, nonce.ErrStale) {
			Error(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}

	if err := h.Matcher.Submit(c.Request.Context(), order); err != nil {
		if engine.IsValidationError(err) {
			Error(c, http.StatusBadRequest, err.Error(), nil)
			return
		}
		if h.Logger != nil {
			h.Logger.Error("order submit failed", zap.Error(err))
		}
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}

	Created(c, order)
}

func (h *OrderHandler) list(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)
	var status *string
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		status = &v
	}
	var marketID *string
	if v := strings.TrimSpace(c.Query("market_id")); v != "" {
		marketID = &v
	}
	var maker *string
	if v := strings.TrimSpace(c.Query("maker")); v != "" {
		maker = &v
	}
	params := repository.ListOrdersParams{
		Limit:    limit,
		Offset:   offset,
		Status:   status,
		MarketID: marketID,
		Maker:    maker,
		OrderBy:  "created_at",
		Asc:      boolPtr(false),
	}
	items, err := h.Repo.ListOrders(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	total, err := h.Repo.CountOrders(c.Request.Context(), params)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, paginationMeta(limit, offset, total))
}

func (h *OrderHandler) get(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := uint64QueryParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	item, err := h.Repo.GetOrderByID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if item == nil {
		Error(c, http.StatusNotFound, "order not found", nil)
		return
	}
	Ok(c, item, nil)
}

func (h *OrderHandler) fills(c *gin.Context) {
	if h.Repo == nil {
		Error(c, http.StatusInternalServerError, "repo unavailable", nil)
		return
	}
	id := uint64QueryParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	items, err := h.Repo.ListFillsByOrderID(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	Ok(c, items, nil)
}

func (h *OrderHandler) cancel(c *gin.Context) {
	if h.Matcher == nil {
		Error(c, http.StatusServiceUnavailable, "matching engine unavailable", nil)
		return
	}
	id := uint64QueryParam(c, "id")
	if id == 0 {
		Error(c, http.StatusBadRequest, "invalid id", nil)
		return
	}
	order, err := h.Matcher.Cancel(c.Request.Context(), id)
	if err != nil {
		Error(c, http.StatusBadGateway, err.Error(), nil)
		return
	}
	if order == nil {
		Error(c, http.StatusNotFound, "order not found", nil)
		return
	}
	c.Status(http.StatusNoContent)
}
