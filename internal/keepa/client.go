package keepa

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/Kkasuga904/sedori/internal/config"
	"github.com/Kkasuga904/sedori/internal/models"
	"github.com/Kkasuga904/sedori/internal/transport"
)

const defaultBaseURL = "https://api.keepa.com"

// APIError is a non-retryable price-history failure: HTTP >= 400, an
// error field in the payload, or a response without product data.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("keepa: status %d: %s", e.Status, e.Detail)
	}
	return "keepa: " + e.Detail
}

// Client fetches product price history with an in-memory TTL cache in
// front of the protected transport. Concurrent misses for the same key
// collapse into one upstream call.
type Client struct {
	settings config.KeepaSettings
	tp       *transport.Client
	cache    *snapshotCache
	group    singleflight.Group
	baseURL  string
	log      zerolog.Logger
	now      func() time.Time
}

func NewClient(settings config.KeepaSettings, cache config.CacheSettings, tp *transport.Client, logger zerolog.Logger) *Client {
	return &Client{
		settings: settings,
		tp:       tp,
		cache:    newSnapshotCache(time.Duration(cache.TTLSeconds) * time.Second),
		baseURL:  defaultBaseURL,
		log:      logger.With().Str("component", "keepa").Logger(),
		now:      time.Now,
	}
}

// SetBaseURL overrides the API base URL, mainly for tests.
func (c *Client) SetBaseURL(base string) { c.baseURL = base }

func (c *Client) budgetKey() string {
	digest := sha1.Sum([]byte(c.settings.APIKey))
	return fmt.Sprintf("keepa:%d:%s", c.settings.Domain, hex.EncodeToString(digest[:])[:6])
}

// GetPriceSnapshot returns the summarized price history for a product.
// Cache hits skip the transport entirely.
func (c *Client) GetPriceSnapshot(ctx context.Context, query models.ProductQuery) (models.ServiceResult[*models.KeepaPriceSnapshot], error) {
	cacheKey := query.Identifier() + ":" + strconv.Itoa(c.settings.Domain)
	if snapshot, ok := c.cache.Get(cacheKey); ok {
		c.log.Debug().Str("key", cacheKey).Msg("cache hit")
		return models.ServiceResult[*models.KeepaPriceSnapshot]{
			Data:  &snapshot,
			Flags: models.ServiceFlags{Cached: true},
		}, nil
	}

	type fetched struct {
		result models.ServiceResult[*models.KeepaPriceSnapshot]
	}
	v, err, _ := c.group.Do(cacheKey, func() (any, error) {
		result, err := c.fetch(ctx, query)
		if err != nil {
			return nil, err
		}
		if result.Data != nil {
			c.cache.Put(cacheKey, *result.Data)
		}
		return &fetched{result: result}, nil
	})
	if err != nil {
		return models.ServiceResult[*models.KeepaPriceSnapshot]{}, err
	}
	return v.(*fetched).result, nil
}

func (c *Client) fetch(ctx context.Context, query models.ProductQuery) (models.ServiceResult[*models.KeepaPriceSnapshot], error) {
	params := url.Values{
		"key":    {c.settings.APIKey},
		"domain": {strconv.Itoa(c.settings.Domain)},
		"stats":  {"90"},
		"offers": {"20"},
	}
	if query.ASIN() != "" {
		params.Set("asin", query.ASIN())
	} else {
		params.Set("code", query.Barcode())
	}
	endpoint := c.baseURL + "/product?" + params.Encode()

	res, flags, err := c.tp.Do(ctx, c.budgetKey(), func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	})
	if err != nil {
		var se *transport.StatusError
		if errors.As(err, &se) {
			return models.ServiceResult[*models.KeepaPriceSnapshot]{}, &APIError{Status: se.Status, Detail: se.Body}
		}
		return models.ServiceResult[*models.KeepaPriceSnapshot]{}, err
	}
	if res == nil {
		return models.ServiceResult[*models.KeepaPriceSnapshot]{Flags: flags}, nil
	}

	var payload struct {
		Error    json.RawMessage `json:"error"`
		Currency string          `json:"currency"`
		Products []struct {
			Title     string          `json:"title"`
			ImagesCSV string          `json:"imagesCSV"`
			CSV       json.RawMessage `json:"csv"`
		} `json:"products"`
	}
	if err := json.Unmarshal(res.Body, &payload); err != nil {
		return models.ServiceResult[*models.KeepaPriceSnapshot]{}, &APIError{Detail: "malformed payload: " + err.Error()}
	}
	if len(payload.Error) > 0 && string(payload.Error) != "null" && string(payload.Error) != "{}" {
		return models.ServiceResult[*models.KeepaPriceSnapshot]{}, &APIError{Detail: string(payload.Error)}
	}
	if len(payload.Products) == 0 {
		return models.ServiceResult[*models.KeepaPriceSnapshot]{}, &APIError{Detail: "response did not include product data"}
	}

	product := payload.Products[0]
	csv := normalizeCSVMap(product.CSV)
	now := c.now().UTC()

	summary, priceInsufficient := buildPriceSummary(csv, now)
	rank, rankInsufficient := extractRank(csv, now)

	snapshot := &models.KeepaPriceSnapshot{
		CurrentPrice:    decimal.Zero,
		AveragePrice30d: decimal.Zero,
		LowestPrice30d:  decimal.Zero,
		HighestPrice30d: decimal.Zero,
		SalesRank:       rank,
		Currency:        currencyOrDefault(payload.Currency),
		Title:           product.Title,
		ImageURLs:       imageURLs(product.ImagesCSV),
	}
	if summary != nil {
		snapshot.CurrentPrice = summary.current
		snapshot.AveragePrice30d = summary.average
		snapshot.LowestPrice30d = summary.lowest
		snapshot.HighestPrice30d = summary.highest
	}

	if summary == nil || priceInsufficient {
		flags = flags.Merge(models.ServiceFlags{Degraded: true, Reason: models.ReasonKeepaInsufficientData})
	}
	if rankInsufficient {
		flags = flags.Merge(models.ServiceFlags{Degraded: true, Reason: models.ReasonKeepaRankInsufficient})
	}

	return models.ServiceResult[*models.KeepaPriceSnapshot]{Data: snapshot, Flags: flags}, nil
}

func currencyOrDefault(currency string) string {
	if currency == "" {
		return "JPY"
	}
	return currency
}
