package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"predictmarket/internal/models"
	"predictmarket/internal/repository"
)

type depthRepo struct {
	repository.Repository

	market *models.Market
	orders []models.Order
	reads  int
}

func (r *depthRepo) GetMarketByID(_ context.Context, id string) (*models.Market, error) {
	if r.market != nil && r.market.ID == id {
		return r.market, nil
	}
	return nil, nil
}

func (r *depthRepo) ListOpenOrdersByMarket(_ context.Context, _ string, _ bool) ([]models.Order, error) {
	r.reads++
	out := make([]models.Order, len(r.orders))
	copy(out, r.orders)
	return out, nil
}

func getDepth(t *testing.T, router *gin.Engine) depthResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/markets/m1/depth?outcome=true", nil)
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rec.Code)
	}
	var resp struct {
		Data depthResponse `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.Data
}

func TestDepthCache_InvalidatedOnBookChange(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := &depthRepo{
		market: &models.Market{ID: "m1", Question: "q"},
		orders: []models.Order{{
			ID:       1,
			MarketID: "m1",
			Outcome:  true,
			Side:     models.OrderSideBuy,
			Status:   models.OrderStatusOpen,
			Price:    decimal.NewFromFloat(0.40),
			Size:     decimal.NewFromInt(10),
		}},
	}
	h := &MarketHandler{Repo: repo, DepthTTL: time.Hour}
	router := gin.New()
	h.Register(router)

	first := getDepth(t, router)
	if first.Depth.TotalBidVolume.Cmp(decimal.NewFromInt(10)) != 0 {
		t.Fatalf("bid volume=%s want 10", first.Depth.TotalBidVolume)
	}
	getDepth(t, router)
	if repo.reads != 1 {
		t.Fatalf("reads=%d want 1 (second request served from cache)", repo.reads)
	}

	// A fill consumes half the resting bid; the book-change signal must
	// drop the snapshot even though the TTL is nowhere near expiry.
	repo.orders[0].Filled = decimal.NewFromInt(5)
	h.BookChanged("m1", true)

	after := getDepth(t, router)
	if repo.reads != 2 {
		t.Fatalf("reads=%d want 2 after invalidation", repo.reads)
	}
	if after.Depth.TotalBidVolume.Cmp(decimal.NewFromInt(5)) != 0 {
		t.Fatalf("bid volume=%s want 5", after.Depth.TotalBidVolume)
	}
}

func TestDepthCache_OtherBookUnaffected(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := &depthRepo{market: &models.Market{ID: "m1", Question: "q"}}
	h := &MarketHandler{Repo: repo, DepthTTL: time.Hour}
	router := gin.New()
	h.Register(router)

	getDepth(t, router)
	h.BookChanged("m1", false)
	h.BookChanged("m2", true)
	getDepth(t, router)
	if repo.reads != 1 {
		t.Fatalf("reads=%d want 1 (unrelated invalidations must not evict)", repo.reads)
	}
}
