package spapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Kkasuga904/sedori/internal/config"
	"github.com/Kkasuga904/sedori/internal/models"
	"github.com/Kkasuga904/sedori/internal/transport"
)

const defaultHost = "sellingpartnerapi-fe.amazon.com"

// APIError is a non-retryable marketplace failure: HTTP >= 400 or a
// payload the client cannot interpret.
type APIError struct {
	Op     string
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("spapi %s: status %d: %s", e.Op, e.Status, e.Detail)
	}
	return fmt.Sprintf("spapi %s: %s", e.Op, e.Detail)
}

// TokenSource supplies the access token injected as x-amz-access-token.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

// Client calls the Selling Partner API pricing and fees endpoints
// through the protected transport.
type Client struct {
	settings config.SPAPISettings
	tp       *transport.Client
	signer   *Signer
	tokens   TokenSource
	endpoint string
	host     string
	log      zerolog.Logger
	now      func() time.Time
}

func NewClient(settings config.SPAPISettings, tp *transport.Client, tokens TokenSource, logger zerolog.Logger) *Client {
	return &Client{
		settings: settings,
		tp:       tp,
		signer:   NewSigner(settings.AWSAccessKey, settings.AWSSecretKey, settings.Region),
		tokens:   tokens,
		endpoint: "https://" + defaultHost,
		host:     defaultHost,
		log:      logger.With().Str("component", "spapi").Logger(),
		now:      time.Now,
	}
}

// SetEndpoint overrides the marketplace base URL, mainly for tests.
func (c *Client) SetEndpoint(endpoint string) {
	c.endpoint = endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		c.host = u.Host
	}
}

func (c *Client) budgetKey() string {
	return "spapi:" + c.settings.MarketplaceID
}

// GetCompetitivePricing fetches current offers for the queried product.
// Soft failures return an empty offer list with degraded flags.
func (c *Client) GetCompetitivePricing(ctx context.Context, query models.ProductQuery) (models.ServiceResult[[]models.CompetitivePrice], error) {
	params := url.Values{"MarketplaceId": {c.settings.MarketplaceID}}
	if query.ASIN() != "" {
		params.Set("Asins", query.ASIN())
	} else {
		params.Set("Skus", query.Barcode())
	}

	res, flags, err := c.request(ctx, http.MethodGet, "/products/pricing/v0/competitivePrice", params, nil)
	if err != nil {
		return models.ServiceResult[[]models.CompetitivePrice]{}, wrapStatus("competitive pricing", err)
	}
	if res == nil {
		return models.ServiceResult[[]models.CompetitivePrice]{Data: []models.CompetitivePrice{}, Flags: flags}, nil
	}

	var parsed struct {
		Payload []struct {
			CompetitivePricing struct {
				CompetitivePrices []struct {
					Condition string `json:"condition"`
					SellerID  string `json:"sellerId"`
					Price     struct {
						LandedPrice moneyAmount `json:"LandedPrice"`
						Shipping    moneyAmount `json:"Shipping"`
					} `json:"Price"`
				} `json:"CompetitivePrices"`
			} `json:"CompetitivePricing"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return models.ServiceResult[[]models.CompetitivePrice]{}, &APIError{Op: "competitive pricing", Detail: "malformed payload: " + err.Error()}
	}

	now := c.now().UTC()
	offers := make([]models.CompetitivePrice, 0, len(parsed.Payload))
	for _, product := range parsed.Payload {
		for _, offer := range product.CompetitivePricing.CompetitivePrices {
			condition := offer.Condition
			if condition == "" {
				condition = "Unknown"
			}
			landed, err := offer.Price.LandedPrice.decimal()
			if err != nil {
				c.log.Warn().Err(err).Msg("skipping offer with unparsable landed price")
				continue
			}
			shipping, err := offer.Price.Shipping.decimal()
			if err != nil {
				shipping = decimal.Zero
			}
			offers = append(offers, models.CompetitivePrice{
				Condition:   condition,
				SellerID:    offer.SellerID,
				LandedPrice: landed,
				Shipping:    shipping,
				LastUpdated: now,
			})
		}
	}
	return models.ServiceResult[[]models.CompetitivePrice]{Data: offers, Flags: flags}, nil
}

// GetFeesEstimate asks for the marketplace fee estimate at the given
// listing price and maps the named fee types onto the breakdown. Fields
// the API does not report stay zero; the pipeline fills them.
func (c *Client) GetFeesEstimate(ctx context.Context, identifier string, price decimal.Decimal) (models.ServiceResult[*models.FeeBreakdown], error) {
	body, err := json.Marshal(map[string]any{
		"FeesEstimateRequest": map[string]any{
			"MarketplaceId": c.settings.MarketplaceID,
			"Identifier":    identifier,
			"PriceToEstimateFees": map[string]any{
				"ListingPrice": map[string]any{
					"CurrencyCode": c.settings.DefaultCurrency,
					"Amount":       price.String(),
				},
			},
			"IdentifierValue":             identifier,
			"OptionalFulfillmentPrograms": []string{"FBA"},
		},
	})
	if err != nil {
		return models.ServiceResult[*models.FeeBreakdown]{}, &APIError{Op: "fees estimate", Detail: err.Error()}
	}

	res, flags, err := c.request(ctx, http.MethodPost, "/products/fees/v0/listings/fees", nil, body)
	if err != nil {
		return models.ServiceResult[*models.FeeBreakdown]{}, wrapStatus("fees estimate", err)
	}
	if res == nil {
		return models.ServiceResult[*models.FeeBreakdown]{Flags: flags}, nil
	}

	var parsed struct {
		Payload struct {
			FeesEstimatorResult struct {
				FeesEstimate struct {
					TotalFees []struct {
						FeeType   string      `json:"FeeType"`
						FeeAmount moneyAmount `json:"FeeAmount"`
					} `json:"TotalFees"`
				} `json:"FeesEstimate"`
			} `json:"FeesEstimatorResult"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return models.ServiceResult[*models.FeeBreakdown]{}, &APIError{Op: "fees estimate", Detail: "malformed payload: " + err.Error()}
	}

	fees := &models.FeeBreakdown{}
	for _, fee := range parsed.Payload.FeesEstimatorResult.FeesEstimate.TotalFees {
		amount, err := fee.FeeAmount.decimal()
		if err != nil || fee.FeeType == "" {
			c.log.Warn().Str("fee_type", fee.FeeType).Msg("skipping malformed fee entry")
			continue
		}
		switch fee.FeeType {
		case "ReferralFee":
			fees.ReferralFee = fees.ReferralFee.Add(amount)
		case "VariableClosingFee":
			fees.ClosingFee = fees.ClosingFee.Add(amount)
		case "FBAPerUnitFulfillmentFee":
			fees.FBAFee = fees.FBAFee.Add(amount)
		case "FBAShipmentFee":
			fees.InboundShipping = fees.InboundShipping.Add(amount)
		case "Tax":
			fees.Taxes = fees.Taxes.Add(amount)
		default:
			fees.OtherCosts = fees.OtherCosts.Add(amount)
		}
	}
	return models.ServiceResult[*models.FeeBreakdown]{Data: fees, Flags: flags}, nil
}

// request runs one signed call through the transport. A nil Result with
// non-zero flags is a soft failure the caller converts to defaults.
func (c *Client) request(ctx context.Context, method, path string, params url.Values, body []byte) (*transport.Result, models.ServiceFlags, error) {
	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, models.ServiceFlags{}, err
	}

	fullURL := c.endpoint + path
	return c.tp.Do(ctx, c.budgetKey(), func(ctx context.Context) (*http.Request, error) {
		headers := map[string]string{
			"accept":             "application/json",
			"x-amz-access-token": token,
		}
		if body != nil {
			headers["content-type"] = "application/json"
		}
		signed, err := c.signer.Sign(method, fullURL, headers, params, body)
		if err != nil {
			return nil, err
		}

		reqURL := fullURL
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}
		var reader *bytes.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		} else {
			reader = bytes.NewReader(nil)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return nil, err
		}
		for k, v := range signed {
			req.Header.Set(k, v)
		}
		req.Host = c.host
		return req, nil
	})
}

func wrapStatus(op string, err error) error {
	var se *transport.StatusError
	if errors.As(err, &se) {
		return &APIError{Op: op, Status: se.Status, Detail: se.Body}
	}
	return err
}

// moneyAmount tolerates both numeric and string Amount encodings.
type moneyAmount struct {
	CurrencyCode string     `json:"CurrencyCode"`
	Amount       flexNumber `json:"Amount"`
}

func (m moneyAmount) decimal() (decimal.Decimal, error) {
	if m.Amount == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(m.Amount))
}

// flexNumber accepts a JSON number or a numeric string.
type flexNumber string

func (n *flexNumber) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*n = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = flexNumber(s)
		return nil
	}
	*n = flexNumber(data)
	return nil
}
