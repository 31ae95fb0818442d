package pipeline

import (
	"sort"
	"time"

	"github.com/Kkasuga904/sedori/internal/config"
	"github.com/Kkasuga904/sedori/internal/models"
)

// Document is the stable result shape printed to stdout or written to
// the decision path. Money fields are decimal strings.
type Document struct {
	RequestID  string        `json:"request_id"`
	Inputs     InputsDoc     `json:"inputs"`
	Sources    SourcesDoc    `json:"sources"`
	Calc       CalcDoc       `json:"calc"`
	Thresholds ThresholdsDoc `json:"thresholds"`
	Flags      FlagsDoc      `json:"flags"`
	Decision   DecisionDoc   `json:"decision"`
}

type InputsDoc struct {
	ASIN         *string `json:"asin"`
	Barcode      *string `json:"barcode"`
	PurchaseCost string  `json:"purchase_cost"`
	SellingPrice string  `json:"selling_price"`
}

type SourcesDoc struct {
	Keepa       KeepaSourceDoc       `json:"keepa"`
	Competitive CompetitiveSourceDoc `json:"competitive"`
	Fees        FeesSourceDoc        `json:"fees"`
}

type ServiceFlagsDoc struct {
	Degraded    bool    `json:"degraded"`
	Cached      bool    `json:"cached"`
	CircuitOpen bool    `json:"circuit_open"`
	Reason      *string `json:"reason"`
}

type KeepaSourceDoc struct {
	Flags    ServiceFlagsDoc `json:"flags"`
	Snapshot SnapshotDoc     `json:"snapshot"`
}

type SnapshotDoc struct {
	CurrentPrice    string   `json:"current_price"`
	AveragePrice30d string   `json:"average_price_30d"`
	LowestPrice30d  string   `json:"lowest_price_30d"`
	HighestPrice30d string   `json:"highest_price_30d"`
	SalesRank       *int64   `json:"sales_rank"`
	Currency        string   `json:"currency"`
	Title           *string  `json:"title"`
	ImageURLs       []string `json:"image_urls"`
}

type CompetitiveSourceDoc struct {
	Flags  ServiceFlagsDoc `json:"flags"`
	Offers []OfferDoc      `json:"offers"`
}

type OfferDoc struct {
	Condition   string `json:"condition"`
	SellerID    string `json:"seller_id"`
	LandedPrice string `json:"landed_price"`
	Shipping    string `json:"shipping"`
	LastUpdated string `json:"last_updated"`
}

type FeesSourceDoc struct {
	Flags     ServiceFlagsDoc `json:"flags"`
	Breakdown FeesDoc         `json:"breakdown"`
}

type FeesDoc struct {
	ReferralFee        string `json:"referral_fee"`
	ClosingFee         string `json:"closing_fee"`
	FBAFee             string `json:"fba_fee"`
	InboundShipping    string `json:"inbound_shipping"`
	PackagingMaterials string `json:"packaging_materials"`
	StorageFee         string `json:"storage_fee"`
	Taxes              string `json:"taxes"`
	FXSpread           string `json:"fx_spread"`
	ReturnsCost        string `json:"returns_cost"`
	OtherCosts         string `json:"other_costs"`
	Total              string `json:"total"`
}

type CalcDoc struct {
	SellingPrice string  `json:"selling_price"`
	PurchaseCost string  `json:"purchase_cost"`
	TotalCost    string  `json:"total_cost"`
	Fees         FeesDoc `json:"fees"`
	Profit       string  `json:"profit"`
	ROI          string  `json:"roi"`
	Margin       string  `json:"margin"`
}

type ThresholdsDoc struct {
	MinProfit string `json:"min_profit"`
	MinROI    string `json:"min_roi"`
	MaxRank   *int64 `json:"max_rank"`
}

type FlagsDoc struct {
	Degraded    bool     `json:"degraded"`
	Cached      bool     `json:"cached"`
	CircuitOpen bool     `json:"circuit_open"`
	Reasons     []string `json:"reasons"`
}

type DecisionDoc struct {
	Buy        bool     `json:"buy"`
	Profitable bool     `json:"profitable"`
	Reasons    []string `json:"reasons"`
}

func flagsDoc(flags models.ServiceFlags) ServiceFlagsDoc {
	doc := ServiceFlagsDoc{
		Degraded:    flags.Degraded,
		Cached:      flags.Cached,
		CircuitOpen: flags.CircuitOpen,
	}
	if flags.Reason != "" {
		reason := flags.Reason
		doc.Reason = &reason
	}
	return doc
}

func snapshotDoc(snapshot models.KeepaPriceSnapshot) SnapshotDoc {
	doc := SnapshotDoc{
		CurrentPrice:    snapshot.CurrentPrice.String(),
		AveragePrice30d: snapshot.AveragePrice30d.String(),
		LowestPrice30d:  snapshot.LowestPrice30d.String(),
		HighestPrice30d: snapshot.HighestPrice30d.String(),
		SalesRank:       snapshot.SalesRank,
		Currency:        snapshot.Currency,
		ImageURLs:       snapshot.ImageURLs,
	}
	if snapshot.Title != "" {
		title := snapshot.Title
		doc.Title = &title
	}
	if doc.ImageURLs == nil {
		doc.ImageURLs = []string{}
	}
	return doc
}

func offerDocs(offers []models.CompetitivePrice) []OfferDoc {
	docs := make([]OfferDoc, len(offers))
	for i, offer := range offers {
		docs[i] = OfferDoc{
			Condition:   offer.Condition,
			SellerID:    offer.SellerID,
			LandedPrice: offer.LandedPrice.String(),
			Shipping:    offer.Shipping.String(),
			LastUpdated: offer.LastUpdated.Format(time.RFC3339),
		}
	}
	return docs
}

func feesDoc(fees models.FeeBreakdown) FeesDoc {
	return FeesDoc{
		ReferralFee:        fees.ReferralFee.String(),
		ClosingFee:         fees.ClosingFee.String(),
		FBAFee:             fees.FBAFee.String(),
		InboundShipping:    fees.InboundShipping.String(),
		PackagingMaterials: fees.PackagingMaterials.String(),
		StorageFee:         fees.StorageFee.String(),
		Taxes:              fees.Taxes.String(),
		FXSpread:           fees.FXSpread.String(),
		ReturnsCost:        fees.ReturnsCost.String(),
		OtherCosts:         fees.OtherCosts.String(),
		Total:              fees.Total().String(),
	}
}

func calcDoc(analysis models.ProfitAnalysis) CalcDoc {
	return CalcDoc{
		SellingPrice: analysis.SellingPrice.String(),
		PurchaseCost: analysis.PurchaseCost.String(),
		TotalCost:    analysis.TotalCost.String(),
		Fees:         feesDoc(analysis.Fees),
		Profit:       analysis.Profit.String(),
		ROI:          analysis.ROI.String(),
		Margin:       analysis.Margin.String(),
	}
}

func thresholdsDoc(thresholds config.ThresholdSettings) ThresholdsDoc {
	return ThresholdsDoc{
		MinProfit: thresholds.MinProfit.String(),
		MinROI:    thresholds.MinROI.String(),
		MaxRank:   thresholds.MaxRank,
	}
}

// sortedUnique sorts and de-duplicates the aggregated reason list so
// the document is deterministic.
func sortedUnique(reasons []string) []string {
	seen := make(map[string]bool, len(reasons))
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
