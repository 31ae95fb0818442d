package spapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Kkasuga904/sedori/internal/config"
	"github.com/Kkasuga904/sedori/internal/models"
	"github.com/Kkasuga904/sedori/internal/ratelimit"
	"github.com/Kkasuga904/sedori/internal/transport"
)

type staticTokens string

func (s staticTokens) GetAccessToken(ctx context.Context) (string, error) {
	return string(s), nil
}

func testSettings() config.SPAPISettings {
	return config.SPAPISettings{
		MarketplaceID:   "TEST",
		Region:          "us-west-2",
		LWAClientID:     "dummy",
		LWAClientSecret: "dummy",
		RefreshToken:    "dummy",
		AWSAccessKey:    "AKIAEXAMPLE",
		AWSSecretKey:    "SECRETKEYEXAMPLE",
		DefaultCurrency: "JPY",
	}
}

func newTestClient(t *testing.T, endpoint string, maxAttempts int) *Client {
	t.Helper()
	tp := transport.NewClient(
		ratelimit.NewRequestBudget(),
		50,
		ratelimit.NewKeySemaphore(1),
		ratelimit.NewBreaker("spapi", 3, time.Minute),
		transport.RetryPolicy{MaxAttempts: maxAttempts, Base: time.Millisecond, MaxSleep: 5 * time.Millisecond},
		zerolog.Nop(),
	)
	c := NewClient(testSettings(), tp, staticTokens("token"), zerolog.Nop())
	c.SetEndpoint(endpoint)
	return c
}

func mustQuery(t *testing.T, asin string) models.ProductQuery {
	t.Helper()
	q, err := models.NewProductQuery(asin, "")
	require.NoError(t, err)
	return q
}

func TestGetCompetitivePricingSignsRequest(t *testing.T) {
	var captured http.Header
	var capturedQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		capturedQuery = r.URL.RawQuery
		w.Write([]byte(`{"payload":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	result, err := c.GetCompetitivePricing(context.Background(), mustQuery(t, "ASIN"))
	require.NoError(t, err)
	require.False(t, result.Flags.Degraded)
	require.Empty(t, result.Data)

	auth := captured.Get("Authorization")
	require.True(t, strings.HasPrefix(auth, "AWS4-HMAC-SHA256"), auth)
	require.Equal(t, "token", captured.Get("x-amz-access-token"))
	require.Regexp(t, regexp.MustCompile(`^\d{8}T\d{6}Z$`), captured.Get("x-amz-date"))
	require.NotEmpty(t, captured.Get("x-amz-content-sha256"))
	require.Contains(t, capturedQuery, "MarketplaceId=TEST")
	require.Contains(t, capturedQuery, "Asins=ASIN")
}

func TestGetCompetitivePricingParsesOffers(t *testing.T) {
	payload := `{"payload":[{"CompetitivePricing":{"CompetitivePrices":[
		{"condition":"New","sellerId":"SELLER1","Price":{"LandedPrice":{"CurrencyCode":"JPY","Amount":4400},"Shipping":{"CurrencyCode":"JPY","Amount":0}}},
		{"Price":{"LandedPrice":{"CurrencyCode":"JPY","Amount":"4650.50"},"Shipping":{"CurrencyCode":"JPY","Amount":"100"}}}
	]}}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	result, err := c.GetCompetitivePricing(context.Background(), mustQuery(t, "ASIN"))
	require.NoError(t, err)
	require.Len(t, result.Data, 2)

	first := result.Data[0]
	require.Equal(t, "New", first.Condition)
	require.Equal(t, "SELLER1", first.SellerID)
	require.True(t, first.LandedPrice.Equal(decimal.NewFromInt(4400)))
	require.True(t, first.Shipping.IsZero())
	require.WithinDuration(t, time.Now().UTC(), first.LastUpdated, time.Minute)

	second := result.Data[1]
	require.Equal(t, "Unknown", second.Condition)
	require.True(t, second.LandedPrice.Equal(decimal.RequireFromString("4650.50")))
}

func TestGetCompetitivePricingRetriesThenDegrades(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	result, err := c.GetCompetitivePricing(context.Background(), mustQuery(t, "ASIN"))
	require.NoError(t, err)
	require.True(t, result.Flags.Degraded)
	require.Equal(t, models.ReasonRetryExhausted, result.Flags.Reason)
	require.Empty(t, result.Data)
	require.EqualValues(t, 2, calls.Load())
}

func TestGetCompetitivePricingRecoversAfterTimeout(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			hj := w.(http.Hijacker)
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.Write([]byte(`{"payload":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	result, err := c.GetCompetitivePricing(context.Background(), mustQuery(t, "ASIN"))
	require.NoError(t, err)
	require.False(t, result.Flags.Degraded)
	require.EqualValues(t, 2, calls.Load())
}

func TestGetCompetitivePricingFatalStatusIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	_, err := c.GetCompetitivePricing(context.Background(), mustQuery(t, "ASIN"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusForbidden, apiErr.Status)
}

func TestGetFeesEstimateMapsFeeTypes(t *testing.T) {
	var body map[string]any
	payload := `{"payload":{"FeesEstimatorResult":{"FeesEstimate":{"TotalFees":[
		{"FeeType":"ReferralFee","FeeAmount":{"CurrencyCode":"JPY","Amount":480}},
		{"FeeType":"VariableClosingFee","FeeAmount":{"CurrencyCode":"JPY","Amount":"10"}},
		{"FeeType":"FBAPerUnitFulfillmentFee","FeeAmount":{"CurrencyCode":"JPY","Amount":250}},
		{"FeeType":"FBAShipmentFee","FeeAmount":{"CurrencyCode":"JPY","Amount":120}},
		{"FeeType":"Tax","FeeAmount":{"CurrencyCode":"JPY","Amount":30}},
		{"FeeType":"SomethingElse","FeeAmount":{"CurrencyCode":"JPY","Amount":5}},
		{"FeeType":"Broken","FeeAmount":{"CurrencyCode":"JPY","Amount":"not-a-number"}}
	]}}}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "application/json", r.Header.Get("content-type"))
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, 2)
	result, err := c.GetFeesEstimate(context.Background(), "ASIN", decimal.NewFromInt(4800))
	require.NoError(t, err)
	require.NotNil(t, result.Data)

	fees := result.Data
	require.True(t, fees.ReferralFee.Equal(decimal.NewFromInt(480)))
	require.True(t, fees.ClosingFee.Equal(decimal.NewFromInt(10)))
	require.True(t, fees.FBAFee.Equal(decimal.NewFromInt(250)))
	require.True(t, fees.InboundShipping.Equal(decimal.NewFromInt(120)))
	require.True(t, fees.Taxes.Equal(decimal.NewFromInt(30)))
	require.True(t, fees.OtherCosts.Equal(decimal.NewFromInt(5)), "unknown fee types accumulate into other costs")

	request := body["FeesEstimateRequest"].(map[string]any)
	require.Equal(t, "TEST", request["MarketplaceId"])
	listing := request["PriceToEstimateFees"].(map[string]any)["ListingPrice"].(map[string]any)
	require.Equal(t, "4800", listing["Amount"])
	require.Equal(t, "JPY", listing["CurrencyCode"])
}
