// Package keepa fetches and summarizes Keepa price history.
package keepa

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Epoch is the zero point of Keepa's compact time encoding.
var Epoch = time.Date(2011, time.January, 1, 0, 0, 0, 0, time.UTC)

const statsWindow = 30 * 24 * time.Hour

// Series priority: first non-empty group wins. Names match
// case-insensitively against the csv map keys.
var (
	priceSeriesPriority = [][]string{
		{"AMAZON", "0"},
		{"NEW", "1", "NEW_FBA", "NEW_SHIPPING"},
		{"BUY_BOX_SHIPPING", "BUY_BOX", "16"},
	}
	rankSeriesNames = []string{"SALES", "SALES_RANK", "RANK", "3"}
)

type point struct {
	ts    time.Time
	value int64
}

// decodeSeries expands alternating (delta_minutes, value) pairs. The
// first delta is absolute minutes since the epoch; the rest advance a
// running cursor. A trailing unpaired entry is dropped.
func decodeSeries(entries []int64) []point {
	points := make([]point, 0, len(entries)/2)
	var cursor int64
	for i := 0; i+1 < len(entries); i += 2 {
		if i == 0 {
			cursor = entries[0]
		} else {
			cursor += entries[i]
		}
		points = append(points, point{
			ts:    Epoch.Add(time.Duration(cursor) * time.Minute),
			value: entries[i+1],
		})
	}
	return points
}

// normalizeCSVMap accepts the documented map form and tolerates a flat
// list, which becomes a single DEFAULT series. Entries that are not
// integers are skipped; anything else yields an empty map.
func normalizeCSVMap(raw json.RawMessage) map[string][]int64 {
	if len(raw) == 0 {
		return map[string][]int64{}
	}
	var asMap map[string]json.RawMessage
	if err := json.Unmarshal(raw, &asMap); err == nil {
		out := make(map[string][]int64, len(asMap))
		for name, series := range asMap {
			if values := intList(series); len(values) > 0 {
				out[name] = values
			}
		}
		return out
	}
	if values := intList(raw); len(values) > 0 {
		return map[string][]int64{"DEFAULT": values}
	}
	return map[string][]int64{}
}

func intList(raw json.RawMessage) []int64 {
	var nums []json.Number
	if err := json.Unmarshal(raw, &nums); err != nil {
		return nil
	}
	out := make([]int64, 0, len(nums))
	for _, n := range nums {
		v, err := n.Int64()
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

func selectSeries(csv map[string][]int64, names []string) []int64 {
	upper := make(map[string][]int64, len(csv))
	for k, v := range csv {
		upper[strings.ToUpper(k)] = v
	}
	for _, name := range names {
		if series, ok := upper[strings.ToUpper(name)]; ok && len(series) > 0 {
			return series
		}
	}
	return nil
}

func selectPriceSeries(csv map[string][]int64) []int64 {
	for _, group := range priceSeriesPriority {
		if series := selectSeries(csv, group); series != nil {
			return series
		}
	}
	return nil
}

// priceSummary carries the window statistics in base currency units.
type priceSummary struct {
	current decimal.Decimal
	average decimal.Decimal
	lowest  decimal.Decimal
	highest decimal.Decimal
}

// buildPriceSummary computes window statistics over the selected price
// series. insufficient is true when the 30-day window held fewer than
// two positive points and the whole series was used instead.
func buildPriceSummary(csv map[string][]int64, now time.Time) (*priceSummary, bool) {
	series := selectPriceSeries(csv)
	if series == nil {
		return nil, true
	}
	points := decodeSeries(series)

	positive := make([]point, 0, len(points))
	for _, p := range points {
		if p.value > 0 {
			positive = append(positive, p)
		}
	}
	if len(positive) == 0 {
		return nil, true
	}

	cutoff := now.Add(-statsWindow)
	window := make([]point, 0, len(positive))
	for _, p := range positive {
		if !p.ts.Before(cutoff) {
			window = append(window, p)
		}
	}
	insufficient := false
	if len(window) < 2 {
		window = positive
		insufficient = true
	}

	values := make([]decimal.Decimal, len(window))
	for i, p := range window {
		values[i] = hundredths(p.value)
	}
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })

	latest := positive[0]
	for _, p := range positive[1:] {
		if p.ts.After(latest.ts) {
			latest = p
		}
	}

	return &priceSummary{
		current: hundredths(latest.value),
		average: medianDecimal(values),
		lowest:  percentileDecimal(values, 0.10),
		highest: percentileDecimal(values, 0.90),
	}, insufficient
}

// extractRank returns the latest positive rank, falling back to the
// window median. insufficient is true when the window had no ranks.
func extractRank(csv map[string][]int64, now time.Time) (*int64, bool) {
	series := selectSeries(csv, rankSeriesNames)
	if series == nil {
		return nil, true
	}
	points := decodeSeries(series)

	var latest *point
	for i := range points {
		p := points[i]
		if p.value <= 0 {
			continue
		}
		if latest == nil || p.ts.After(latest.ts) {
			latest = &p
		}
	}

	cutoff := now.Add(-statsWindow)
	var window []int64
	for _, p := range points {
		if p.value > 0 && !p.ts.Before(cutoff) {
			window = append(window, p.value)
		}
	}

	if latest != nil {
		rank := latest.value
		return &rank, len(window) == 0
	}
	if len(window) == 0 {
		return nil, true
	}
	sort.Slice(window, func(i, j int) bool { return window[i] < window[j] })
	var median int64
	n := len(window)
	if n%2 == 1 {
		median = window[n/2]
	} else {
		median = int64(math.Round(float64(window[n/2-1]+window[n/2]) / 2))
	}
	return &median, false
}

func hundredths(v int64) decimal.Decimal {
	return decimal.NewFromInt(v).Div(decimal.NewFromInt(100))
}

func medianDecimal(sorted []decimal.Decimal) decimal.Decimal {
	n := len(sorted)
	if n == 0 {
		return decimal.Zero
	}
	if n%2 == 1 {
		return sorted[n/2].Round(2)
	}
	two := decimal.NewFromInt(2)
	return sorted[n/2-1].Add(sorted[n/2]).Div(two).Round(2)
}

// percentileDecimal interpolates linearly between the two sorted
// entries around rank (n-1)*p.
func percentileDecimal(sorted []decimal.Decimal, p float64) decimal.Decimal {
	n := len(sorted)
	if n == 0 {
		return decimal.Zero
	}
	if n == 1 {
		return sorted[0].Round(2)
	}
	rank := float64(n-1) * p
	lower := int(math.Floor(rank))
	if lower >= n-1 {
		return sorted[n-1].Round(2)
	}
	frac := decimal.NewFromFloat(rank - float64(lower))
	spread := sorted[lower+1].Sub(sorted[lower])
	return sorted[lower].Add(spread.Mul(frac)).Round(2)
}

// imageURLs expands the comma-separated imagesCSV field. Bare tokens
// are image ids on the Amazon CDN; absolute URLs pass through.
func imageURLs(imagesCSV string) []string {
	if imagesCSV == "" {
		return nil
	}
	var urls []string
	for _, token := range strings.Split(imagesCSV, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		if strings.HasPrefix(token, "http") {
			urls = append(urls, token)
			continue
		}
		urls = append(urls, "https://images-na.ssl-images-amazon.com/images/I/"+token+".jpg")
	}
	return urls
}
