package keepa

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// compactSeries encodes (ts, value) points the way the API does:
// first entry absolute minutes since the epoch, then deltas.
func compactSeries(points []point) []int64 {
	var entries []int64
	var prev int64
	for i, p := range points {
		minutes := int64(p.ts.Sub(Epoch) / time.Minute)
		if i == 0 {
			entries = append(entries, minutes, p.value)
		} else {
			entries = append(entries, minutes-prev, p.value)
		}
		prev = minutes
	}
	return entries
}

func daysAgo(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}

func TestDecodeSeriesRoundTrip(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	original := []point{
		{ts: daysAgo(now, 5), value: 150000},
		{ts: daysAgo(now, 4), value: 160000},
		{ts: daysAgo(now, 3), value: -1},
		{ts: daysAgo(now, 2), value: 155000},
	}
	decoded := decodeSeries(compactSeries(original))
	if len(decoded) != len(original) {
		t.Fatalf("decoded %d points, want %d", len(decoded), len(original))
	}
	for i, p := range decoded {
		if !p.ts.Equal(original[i].ts) {
			t.Errorf("point %d ts = %v, want %v", i, p.ts, original[i].ts)
		}
		if p.value != original[i].value {
			t.Errorf("point %d value = %d, want %d", i, p.value, original[i].value)
		}
	}
}

func TestDecodeSeriesDropsTrailingOddEntry(t *testing.T) {
	if got := decodeSeries([]int64{100, 5000, 60}); len(got) != 1 {
		t.Fatalf("got %d points, want 1", len(got))
	}
}

func TestBuildPriceSummaryWindowStats(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	series := compactSeries([]point{
		{ts: daysAgo(now, 5), value: 150000},
		{ts: daysAgo(now, 4), value: 160000},
		{ts: daysAgo(now, 3), value: 140000},
		{ts: daysAgo(now, 2), value: 155000},
	})
	csv := map[string][]int64{"AMAZON": series}

	summary, insufficient := buildPriceSummary(csv, now)
	if summary == nil {
		t.Fatal("summary is nil")
	}
	if insufficient {
		t.Error("four in-window points must not be insufficient")
	}
	assertDecimal(t, "current", summary.current, "1550")
	assertDecimal(t, "average", summary.average, "1525")
	assertDecimal(t, "lowest", summary.lowest, "1430")
	assertDecimal(t, "highest", summary.highest, "1585")
}

func TestBuildPriceSummaryFallsBackOutsideWindow(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	series := compactSeries([]point{
		{ts: daysAgo(now, 60), value: 100000},
		{ts: daysAgo(now, 50), value: 120000},
	})
	summary, insufficient := buildPriceSummary(map[string][]int64{"AMAZON": series}, now)
	if summary == nil {
		t.Fatal("summary is nil")
	}
	if !insufficient {
		t.Error("stale-only series must flag insufficient data")
	}
	assertDecimal(t, "current", summary.current, "1200")
	assertDecimal(t, "average", summary.average, "1100")
}

func TestBuildPriceSummaryIgnoresNonPositiveValues(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	series := compactSeries([]point{
		{ts: daysAgo(now, 3), value: -1},
		{ts: daysAgo(now, 2), value: 0},
	})
	summary, insufficient := buildPriceSummary(map[string][]int64{"AMAZON": series}, now)
	if summary != nil {
		t.Fatalf("summary = %+v, want nil", summary)
	}
	if !insufficient {
		t.Error("all-sentinel series must flag insufficient data")
	}
}

func TestSeriesPrioritySelection(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	amazon := compactSeries([]point{{ts: daysAgo(now, 2), value: 100000}, {ts: daysAgo(now, 1), value: 110000}})
	newSeries := compactSeries([]point{{ts: daysAgo(now, 2), value: 900000}, {ts: daysAgo(now, 1), value: 910000}})

	summary, _ := buildPriceSummary(map[string][]int64{"amazon": amazon, "NEW": newSeries}, now)
	if summary == nil {
		t.Fatal("summary is nil")
	}
	assertDecimal(t, "current from AMAZON series", summary.current, "1100")

	summary, _ = buildPriceSummary(map[string][]int64{"NEW": newSeries}, now)
	assertDecimal(t, "current from NEW fallback", summary.current, "9100")
}

func TestExtractRankLatestAndFallback(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	series := compactSeries([]point{
		{ts: daysAgo(now, 5), value: 5000},
		{ts: daysAgo(now, 2), value: 4800},
	})
	rank, insufficient := extractRank(map[string][]int64{"SALES": series}, now)
	if rank == nil || *rank != 4800 {
		t.Fatalf("rank = %v, want 4800", rank)
	}
	if insufficient {
		t.Error("in-window ranks must not be insufficient")
	}

	rank, insufficient = extractRank(map[string][]int64{}, now)
	if rank != nil {
		t.Errorf("rank = %v, want nil", *rank)
	}
	if !insufficient {
		t.Error("missing rank series must be insufficient")
	}
}

func TestNormalizeCSVMapFlatListBecomesDefault(t *testing.T) {
	raw := json.RawMessage(`[100, 5000, 60, 5100]`)
	csv := normalizeCSVMap(raw)
	if len(csv["DEFAULT"]) != 4 {
		t.Fatalf("DEFAULT series = %v", csv["DEFAULT"])
	}

	raw = json.RawMessage(`{"AMAZON":[100,5000],"SALES":null}`)
	csv = normalizeCSVMap(raw)
	if len(csv) != 1 || len(csv["AMAZON"]) != 2 {
		t.Fatalf("csv = %v", csv)
	}

	if got := normalizeCSVMap(json.RawMessage(`"garbage"`)); len(got) != 0 {
		t.Fatalf("garbage csv = %v", got)
	}
}

func TestImageURLs(t *testing.T) {
	urls := imageURLs("ABC123,https://example.com/x.png, ,DEF456")
	want := []string{
		"https://images-na.ssl-images-amazon.com/images/I/ABC123.jpg",
		"https://example.com/x.png",
		"https://images-na.ssl-images-amazon.com/images/I/DEF456.jpg",
	}
	if len(urls) != len(want) {
		t.Fatalf("urls = %v", urls)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Errorf("urls[%d] = %q, want %q", i, urls[i], want[i])
		}
	}
	if imageURLs("") != nil {
		t.Error("empty csv must yield nil")
	}
}

func TestPercentileInterpolation(t *testing.T) {
	values := []decimal.Decimal{
		decimal.NewFromInt(1400),
		decimal.NewFromInt(1500),
		decimal.NewFromInt(1550),
		decimal.NewFromInt(1600),
	}
	assertDecimal(t, "p10", percentileDecimal(values, 0.10), "1430")
	assertDecimal(t, "p90", percentileDecimal(values, 0.90), "1585")
	assertDecimal(t, "p100", percentileDecimal(values, 1.0), "1600")

	single := []decimal.Decimal{decimal.NewFromInt(42)}
	assertDecimal(t, "single", percentileDecimal(single, 0.90), "42")
}

func assertDecimal(t *testing.T, name string, got decimal.Decimal, want string) {
	t.Helper()
	if !got.Equal(decimal.RequireFromString(want)) {
		t.Errorf("%s = %s, want %s", name, got, want)
	}
}
