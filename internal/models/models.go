// Package models holds the domain types shared by every service client
// and the decision pipeline. Values are constructed once and passed by
// value; nothing here mutates after construction.
package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Reason strings carried on ServiceFlags and decisions. The set is
// closed: callers compare against these constants, never free text.
const (
	ReasonCircuitOpen           = "circuit_open"
	ReasonBudgetExceeded        = "budget_exceeded"
	ReasonRetryExhausted        = "retry_exhausted"
	ReasonKeepaError            = "keepa_error"
	ReasonKeepaInsufficientData = "keepa_insufficient_data"
	ReasonKeepaRankInsufficient = "keepa_rank_insufficient"
	ReasonSPAPIPricingError     = "spapi_pricing_error"
	ReasonSPAPIFeeError         = "spapi_fee_error"
	ReasonProfitBelowThreshold  = "profit_below_threshold"
	ReasonROIBelowThreshold     = "roi_below_threshold"
	ReasonRankAboveThreshold    = "rank_above_threshold"
	ReasonNoCompetitiveOffers   = "no_competitive_offers"
	ReasonDegradedInputs        = "degraded_inputs"
)

var errQueryIdentifier = errors.New("exactly one of asin or barcode must be set")

// ProductQuery identifies a product by exactly one of ASIN or barcode.
// Use NewProductQuery; the zero value is invalid.
type ProductQuery struct {
	asin    string
	barcode string
}

func NewProductQuery(asin, barcode string) (ProductQuery, error) {
	if (asin == "") == (barcode == "") {
		return ProductQuery{}, errQueryIdentifier
	}
	return ProductQuery{asin: asin, barcode: barcode}, nil
}

func (q ProductQuery) ASIN() string    { return q.asin }
func (q ProductQuery) Barcode() string { return q.barcode }

// Identifier returns whichever of the two identifiers is set.
func (q ProductQuery) Identifier() string {
	if q.asin != "" {
		return q.asin
	}
	return q.barcode
}

// CompetitivePrice is one marketplace offer as returned by the pricing
// endpoint. Money fields are already in the marketplace currency.
type CompetitivePrice struct {
	Condition   string
	SellerID    string
	LandedPrice decimal.Decimal
	Shipping    decimal.Decimal
	LastUpdated time.Time
}

// KeepaPriceSnapshot summarizes a product's recent price history.
// SalesRank is nil when no rank data was available.
type KeepaPriceSnapshot struct {
	CurrentPrice    decimal.Decimal
	AveragePrice30d decimal.Decimal
	LowestPrice30d  decimal.Decimal
	HighestPrice30d decimal.Decimal
	SalesRank       *int64
	Currency        string
	Title           string
	ImageURLs       []string
}

// FeeBreakdown itemizes every cost between purchase and payout.
type FeeBreakdown struct {
	ReferralFee        decimal.Decimal
	ClosingFee         decimal.Decimal
	FBAFee             decimal.Decimal
	InboundShipping    decimal.Decimal
	PackagingMaterials decimal.Decimal
	StorageFee         decimal.Decimal
	Taxes              decimal.Decimal
	FXSpread           decimal.Decimal
	ReturnsCost        decimal.Decimal
	OtherCosts         decimal.Decimal
}

// Total sums every component without rounding.
func (f FeeBreakdown) Total() decimal.Decimal {
	total := f.ReferralFee
	for _, c := range []decimal.Decimal{
		f.ClosingFee, f.FBAFee, f.InboundShipping, f.PackagingMaterials,
		f.StorageFee, f.Taxes, f.FXSpread, f.ReturnsCost, f.OtherCosts,
	} {
		total = total.Add(c)
	}
	return total
}

// ProfitAnalysis is the quantized output of the profit calculator.
type ProfitAnalysis struct {
	SellingPrice decimal.Decimal
	PurchaseCost decimal.Decimal
	Fees         FeeBreakdown
	TotalCost    decimal.Decimal
	Profit       decimal.Decimal
	ROI          decimal.Decimal
	Margin       decimal.Decimal
}

// PurchaseDecision is the final verdict of the pipeline.
type PurchaseDecision struct {
	IsProfitable    bool
	MeetsThresholds bool
	Reasons         []string
}

// ProductListing is the human-facing summary used for notifications.
type ProductListing struct {
	ASIN        string
	Title       string
	Price       decimal.Decimal
	Description string
	ImageURLs   []string
	Currency    string
}

// ServiceFlags describes how a service call degraded, if at all.
type ServiceFlags struct {
	Degraded    bool
	Cached      bool
	CircuitOpen bool
	Reason      string
}

// Merge combines two flag sets. Booleans OR together; the last
// non-empty reason wins.
func (f ServiceFlags) Merge(other ServiceFlags) ServiceFlags {
	merged := ServiceFlags{
		Degraded:    f.Degraded || other.Degraded,
		Cached:      f.Cached || other.Cached,
		CircuitOpen: f.CircuitOpen || other.CircuitOpen,
		Reason:      other.Reason,
	}
	if merged.Reason == "" {
		merged.Reason = f.Reason
	}
	return merged
}

// ServiceResult pairs a service payload with its degradation flags.
// On a soft failure Data is the zero value and Flags.Degraded is true.
type ServiceResult[T any] struct {
	Data  T
	Flags ServiceFlags
}
