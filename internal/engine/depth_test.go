package engine

import (
	"testing"

	"github.com/shopspring/decimal"

	"predictmarket/internal/models"
)

func openOrder(side string, price, size, filled float64) models.Order {
	return models.Order{
		Side:   side,
		Price:  decimal.NewFromFloat(price),
		Size:   decimal.NewFromFloat(size),
		Filled: decimal.NewFromFloat(filled),
		Status: models.OrderStatusOpen,
	}
}

func TestCalculateDepth_AggregatesAndSorts(t *testing.T) {
	orders := []models.Order{
		openOrder(models.OrderSideBuy, 0.40, 10, 0),
		openOrder(models.OrderSideBuy, 0.45, 5, 0),
		openOrder(models.OrderSideBuy, 0.45, 3, 0),
		openOrder(models.OrderSideSell, 0.55, 8, 0),
		openOrder(models.OrderSideSell, 0.50, 4, 0),
	}

	depth := CalculateDepth(orders)

	if len(depth.Bids) != 2 {
		t.Fatalf("bid levels=%d want 2", len(depth.Bids))
	}
	// Bids descending; the two 0.45 orders collapse into one level.
	if depth.Bids[0].Price.Cmp(decimal.NewFromFloat(0.45)) != 0 {
		t.Fatalf("best bid level=%s want 0.45", depth.Bids[0].Price)
	}
	if depth.Bids[0].Size.Cmp(decimal.NewFromInt(8)) != 0 {
		t.Fatalf("best bid size=%s want 8", depth.Bids[0].Size)
	}
	if depth.Bids[0].OrderCount != 2 {
		t.Fatalf("best bid count=%d want 2", depth.Bids[0].OrderCount)
	}
	// Asks ascending.
	if depth.Asks[0].Price.Cmp(decimal.NewFromFloat(0.50)) != 0 {
		t.Fatalf("best ask level=%s want 0.5", depth.Asks[0].Price)
	}

	// Cumulative totals run from best level outward.
	if depth.Bids[1].Total.Cmp(decimal.NewFromInt(18)) != 0 {
		t.Fatalf("bid cumulative=%s want 18", depth.Bids[1].Total)
	}
	if depth.Asks[1].Total.Cmp(decimal.NewFromInt(12)) != 0 {
		t.Fatalf("ask cumulative=%s want 12", depth.Asks[1].Total)
	}

	if depth.BestBid == nil || depth.BestBid.Cmp(decimal.NewFromFloat(0.45)) != 0 {
		t.Fatalf("best bid=%v want 0.45", depth.BestBid)
	}
	if depth.BestAsk == nil || depth.BestAsk.Cmp(decimal.NewFromFloat(0.50)) != 0 {
		t.Fatalf("best ask=%v want 0.5", depth.BestAsk)
	}
	if depth.Spread == nil || depth.Spread.Cmp(decimal.NewFromFloat(0.05)) != 0 {
		t.Fatalf("spread=%v want 0.05", depth.Spread)
	}
	if depth.MidPrice == nil || depth.MidPrice.Cmp(decimal.NewFromFloat(0.475)) != 0 {
		t.Fatalf("mid=%v want 0.475", depth.MidPrice)
	}
}

func TestCalculateDepth_SkipsNonOpenAndFullyFilled(t *testing.T) {
	cancelled := openOrder(models.OrderSideBuy, 0.40, 10, 0)
	cancelled.Status = models.OrderStatusCancelled
	dormant := openOrder(models.OrderSideSell, 0.60, 10, 0)
	dormant.Status = models.OrderStatusDormant
	exhausted := openOrder(models.OrderSideBuy, 0.42, 10, 10)
	partial := openOrder(models.OrderSideBuy, 0.44, 10, 4)

	depth := CalculateDepth([]models.Order{cancelled, dormant, exhausted, partial})

	if len(depth.Asks) != 0 {
		t.Fatalf("asks=%d want 0", len(depth.Asks))
	}
	if len(depth.Bids) != 1 {
		t.Fatalf("bids=%d want 1", len(depth.Bids))
	}
	// Only the unfilled remainder counts.
	if depth.Bids[0].Size.Cmp(decimal.NewFromInt(6)) != 0 {
		t.Fatalf("bid size=%s want 6", depth.Bids[0].Size)
	}
}

func TestCalculateDepth_EmptyBook(t *testing.T) {
	depth := CalculateDepth(nil)
	if depth.BestBid != nil || depth.BestAsk != nil || depth.Spread != nil || depth.MidPrice != nil {
		t.Fatalf("empty book should carry no best/spread/mid: %+v", depth)
	}
}

func TestCalculateMarketQuality_SpreadBuckets(t *testing.T) {
	cases := []struct {
		name     string
		bid, ask float64
		want     string
	}{
		{"tight", 0.499, 0.501, QualityTight},
		{"moderate", 0.49, 0.51, QualityModerate},
		{"wide", 0.40, 0.60, QualityWide},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			depth := CalculateDepth([]models.Order{
				openOrder(models.OrderSideBuy, tc.bid, 10, 0),
				openOrder(models.OrderSideSell, tc.ask, 10, 0),
			})
			quality := CalculateMarketQuality(depth)
			if quality.SpreadQuality != tc.want {
				t.Fatalf("quality=%s want %s", quality.SpreadQuality, tc.want)
			}
		})
	}
}

func TestCalculateMarketQuality_NoLiquidity(t *testing.T) {
	quality := CalculateMarketQuality(CalculateDepth(nil))
	if quality.SpreadQuality != QualityNoLiquidity {
		t.Fatalf("quality=%s want %s", quality.SpreadQuality, QualityNoLiquidity)
	}
	if !quality.DepthScore.IsZero() || !quality.Resilience.IsZero() {
		t.Fatalf("empty book should score zero: %+v", quality)
	}
}

func TestCalculateMarketQuality_ResilienceBalancedBook(t *testing.T) {
	depth := CalculateDepth([]models.Order{
		openOrder(models.OrderSideBuy, 0.45, 100, 0),
		openOrder(models.OrderSideSell, 0.55, 100, 0),
	})
	quality := CalculateMarketQuality(depth)
	if quality.Resilience.Cmp(decimal.NewFromInt(100)) != 0 {
		t.Fatalf("resilience=%s want 100 for balanced book", quality.Resilience)
	}
}

func TestLiquidityDistribution_Buckets(t *testing.T) {
	// Mid is 0.50: 0.495/0.505 near, 0.46/0.54 medium, 0.40/0.60 far.
	depth := CalculateDepth([]models.Order{
		openOrder(models.OrderSideBuy, 0.495, 1, 0),
		openOrder(models.OrderSideBuy, 0.46, 2, 0),
		openOrder(models.OrderSideBuy, 0.40, 3, 0),
		openOrder(models.OrderSideSell, 0.505, 4, 0),
		openOrder(models.OrderSideSell, 0.54, 5, 0),
		openOrder(models.OrderSideSell, 0.60, 6, 0),
	})
	if depth.MidPrice == nil || depth.MidPrice.Cmp(decimal.NewFromFloat(0.5)) != 0 {
		t.Fatalf("mid=%v want 0.5", depth.MidPrice)
	}

	buckets := LiquidityDistribution(depth)
	if len(buckets) != 3 {
		t.Fatalf("buckets=%d want 3", len(buckets))
	}
	if buckets[0].Volume.Cmp(decimal.NewFromInt(5)) != 0 {
		t.Fatalf("near=%s want 5", buckets[0].Volume)
	}
	if buckets[1].Volume.Cmp(decimal.NewFromInt(7)) != 0 {
		t.Fatalf("medium=%s want 7", buckets[1].Volume)
	}
	if buckets[2].Volume.Cmp(decimal.NewFromInt(9)) != 0 {
		t.Fatalf("far=%s want 9", buckets[2].Volume)
	}
}

func TestTopLevels_Truncates(t *testing.T) {
	depth := CalculateDepth([]models.Order{
		openOrder(models.OrderSideBuy, 0.40, 1, 0),
		openOrder(models.OrderSideBuy, 0.41, 1, 0),
		openOrder(models.OrderSideBuy, 0.42, 1, 0),
		openOrder(models.OrderSideSell, 0.58, 1, 0),
	})
	top := TopLevels(depth, 2)
	if len(top.Bids) != 2 {
		t.Fatalf("bids=%d want 2", len(top.Bids))
	}
	if top.Bids[0].Price.Cmp(decimal.NewFromFloat(0.42)) != 0 {
		t.Fatalf("kept wrong side of the book: %s", top.Bids[0].Price)
	}
	if len(top.Asks) != 1 {
		t.Fatalf("asks=%d want 1", len(top.Asks))
	}
}
