package engine

import (
	"sort"

	"github.com/shopspring/decimal"

	"predictmarket/internal/models"
)

// PriceLevel is one aggregated row of the book. Total is the cumulative size
// from the best level down to and including this one.
type PriceLevel struct {
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Total      decimal.Decimal `json:"total"`
	OrderCount int             `json:"order_count"`
}

type OrderBookDepth struct {
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`

	BestBid *decimal.Decimal `json:"best_bid"`
	BestAsk *decimal.Decimal `json:"best_ask"`

	Spread    *decimal.Decimal `json:"spread"`
	SpreadPct *decimal.Decimal `json:"spread_pct"`
	MidPrice  *decimal.Decimal `json:"mid_price"`

	TotalBidVolume decimal.Decimal `json:"total_bid_volume"`
	TotalAskVolume decimal.Decimal `json:"total_ask_volume"`
}

const (
	QualityTight       = "tight"
	QualityModerate    = "moderate"
	QualityWide        = "wide"
	QualityNoLiquidity = "no_liquidity"
)

type MarketQuality struct {
	SpreadQuality string          `json:"spread_quality"`
	DepthScore    decimal.Decimal `json:"depth_score"`
	Resilience    decimal.Decimal `json:"resilience"`
}

// LiquidityBucket groups resting volume by distance from the mid price.
type LiquidityBucket struct {
	Label  string          `json:"label"`
	Volume decimal.Decimal `json:"volume"`
}

var (
	oneHundred = decimal.NewFromInt(100)
	oneK       = decimal.NewFromInt(1000)
)

// CalculateDepth folds a snapshot of orders into aggregated bid/ask levels.
// Pure: the input is never mutated and no other state is touched.
func CalculateDepth(orders []models.Order) OrderBookDepth {
	bidAgg := map[string]*PriceLevel{}
	askAgg := map[string]*PriceLevel{}

	for i := range orders {
		o := &orders[i]
		if o.Status != models.OrderStatusOpen {
			continue
		}
		rem := o.Remaining()
		if !rem.IsPositive() {
			continue
		}
		agg := bidAgg
		if o.Side == models.OrderSideSell {
			agg = askAgg
		}
		key := o.Price.String()
		level, ok := agg[key]
		if !ok {
			level = &PriceLevel{Price: o.Price}
			agg[key] = level
		}
		level.Size = level.Size.Add(rem)
		level.OrderCount++
	}

	depth := OrderBookDepth{
		Bids: collectLevels(bidAgg, true),
		Asks: collectLevels(askAgg, false),
	}

	for i := range depth.Bids {
		depth.TotalBidVolume = depth.TotalBidVolume.Add(depth.Bids[i].Size)
		depth.Bids[i].Total = depth.TotalBidVolume
	}
	for i := range depth.Asks {
		depth.TotalAskVolume = depth.TotalAskVolume.Add(depth.Asks[i].Size)
		depth.Asks[i].Total = depth.TotalAskVolume
	}

	if len(depth.Bids) > 0 {
		best := depth.Bids[0].Price
		depth.BestBid = &best
	}
	if len(depth.Asks) > 0 {
		best := depth.Asks[0].Price
		depth.BestAsk = &best
	}

	if depth.BestBid != nil && depth.BestAsk != nil {
		spread := depth.BestAsk.Sub(*depth.BestBid)
		mid := depth.BestAsk.Add(*depth.BestBid).Div(decimal.NewFromInt(2))
		depth.Spread = &spread
		depth.MidPrice = &mid
		if !mid.IsZero() {
			pct := spread.Div(mid).Mul(oneHundred)
			depth.SpreadPct = &pct
		}
	}

	return depth
}

func collectLevels(agg map[string]*PriceLevel, descending bool) []PriceLevel {
	levels := make([]PriceLevel, 0, len(agg))
	for _, level := range agg {
		levels = append(levels, *level)
	}
	sort.Slice(levels, func(i, j int) bool {
		if descending {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	return levels
}

// CalculateMarketQuality buckets the spread and scores depth and balance.
func CalculateMarketQuality(depth OrderBookDepth) MarketQuality {
	quality := MarketQuality{SpreadQuality: QualityNoLiquidity}

	if depth.SpreadPct != nil {
		pct := *depth.SpreadPct
		switch {
		case pct.LessThan(decimal.NewFromInt(1)):
			quality.SpreadQuality = QualityTight
		case pct.LessThan(decimal.NewFromInt(5)):
			quality.SpreadQuality = QualityModerate
		default:
			quality.SpreadQuality = QualityWide
		}
	}

	totalVolume := depth.TotalBidVolume.Add(depth.TotalAskVolume)
	score := totalVolume.Div(oneK)
	if score.GreaterThan(oneHundred) {
		score = oneHundred
	}
	quality.DepthScore = score

	if totalVolume.IsPositive() {
		imbalance := depth.TotalBidVolume.Sub(depth.TotalAskVolume).Abs().Div(totalVolume)
		quality.Resilience = decimal.NewFromInt(1).Sub(imbalance).Mul(oneHundred)
	}

	return quality
}

// LiquidityDistribution groups resting volume by distance from the mid price.
// Without a mid everything lands in the far bucket.
func LiquidityDistribution(depth OrderBookDepth) []LiquidityBucket {
	near := decimal.Zero   // within 1 cent of mid
	medium := decimal.Zero // within 5 cents
	far := decimal.Zero

	oneCent := decimal.NewFromFloat(0.01)
	fiveCents := decimal.NewFromFloat(0.05)

	classify := func(levels []PriceLevel) {
		for _, level := range levels {
			if depth.MidPrice == nil {
				far = far.Add(level.Size)
				continue
			}
			dist := level.Price.Sub(*depth.MidPrice).Abs()
			switch {
			case dist.LessThanOrEqual(oneCent):
				near = near.Add(level.Size)
			case dist.LessThanOrEqual(fiveCents):
				medium = medium.Add(level.Size)
			default:
				far = far.Add(level.Size)
			}
		}
	}
	classify(depth.Bids)
	classify(depth.Asks)

	return []LiquidityBucket{
		{Label: "near", Volume: near},
		{Label: "medium", Volume: medium},
		{Label: "far", Volume: far},
	}
}

// TopLevels truncates both sides for broadcast payloads.
func TopLevels(depth OrderBookDepth, n int) OrderBookDepth {
	if n <= 0 {
		return depth
	}
	if len(depth.Bids) > n {
		depth.Bids = depth.Bids[:n]
	}
	if len(depth.Asks) > n {
		depth.Asks = depth.Asks[:n]
	}
	return depth
}
