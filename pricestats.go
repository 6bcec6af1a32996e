package geoprice

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// PriceStatsKind is the job kind served by PriceStatsJob.
const PriceStatsKind = "price_stats"

// Grouping keys accepted by PriceStatsJob.
const (
	GroupByItem     = "item"
	GroupByStore    = "store"
	GroupByRetailer = "retailer"
	GroupByDay      = "day"
)

// PriceObservation is one geolocated retail price.
type PriceObservation struct {
	ItemUUID  string    `json:"item_uuid"`
	StoreUUID string    `json:"store_uuid"`
	Retailer  string    `json:"retailer"`
	Price     float64   `json:"price"`
	Date      time.Time `json:"date"`
}

// PriceStatsParams are the parameters of a price_stats job.
type PriceStatsParams struct {
	Observations []PriceObservation `json:"observations"`
	GroupBy      string             `json:"group_by"`
}

// PriceGroup holds the aggregates of one group.
type PriceGroup struct {
	Key   string  `json:"key"`
	Count int     `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
}

// PriceStatsJob groups price observations and computes count, min, max and
// average per group. Progress advances once per aggregated group.
func PriceStatsJob(ctx context.Context, tracker *Tracker, params Params) error {
	p, err := DecodeParams[PriceStatsParams](params)
	if err != nil {
		return err
	}
	if p.GroupBy == "" {
		p.GroupBy = GroupByItem
	}
	keyOf, err := priceGroupKey(p.GroupBy)
	if err != nil {
		return err
	}
	if len(p.Observations) == 0 {
		return fmt.Errorf("no observations to aggregate")
	}

	grouped := make(map[string][]float64)
	for i, obs := range p.Observations {
		if obs.Price < 0 || math.IsNaN(obs.Price) {
			return fmt.Errorf("observation %d has invalid price %v", i, obs.Price)
		}
		key := keyOf(obs)
		grouped[key] = append(grouped[key], obs.Price)
	}
	keys := make([]string, 0, len(grouped))
	for key := range grouped {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	groups := make([]PriceGroup, 0, len(keys))
	for i, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		groups = append(groups, aggregatePrices(key, grouped[key]))

		// 100 is written by the executor once the result is stored.
		progress := (i + 1) * 99 / len(keys)
		if progress < 1 {
			progress = 1
		}
		_ = tracker.SetProgress(ctx, progress)
	}

	payload, err := NewResultPayload(groups, fmt.Sprintf("%d groups by %s", len(groups), p.GroupBy))
	if err != nil {
		return err
	}
	if err := tracker.SetResult(ctx, payload); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}
	return nil
}

func priceGroupKey(groupBy string) (func(PriceObservation) string, error) {
	switch strings.ToLower(groupBy) {
	case GroupByItem:
		return func(o PriceObservation) string { return o.ItemUUID }, nil
	case GroupByStore:
		return func(o PriceObservation) string { return o.StoreUUID }, nil
	case GroupByRetailer:
		return func(o PriceObservation) string { return o.Retailer }, nil
	case GroupByDay:
		return func(o PriceObservation) string { return o.Date.UTC().Format("2006-01-02") }, nil
	default:
		return nil, fmt.Errorf("unsupported group_by %q", groupBy)
	}
}

func aggregatePrices(key string, prices []float64) PriceGroup {
	group := PriceGroup{Key: key, Count: len(prices), Min: math.Inf(1), Max: math.Inf(-1)}
	sum := 0.0
	for _, price := range prices {
		sum += price
		group.Min = math.Min(group.Min, price)
		group.Max = math.Max(group.Max, price)
	}
	group.Avg = math.Round(sum/float64(len(prices))*100) / 100
	return group
}
