// Package pipeline runs the end-to-end purchase decision: gather
// market data, price the deal, evaluate thresholds, emit the result
// document and fan out notifications.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Kkasuga904/sedori/internal/config"
	"github.com/Kkasuga904/sedori/internal/keepa"
	"github.com/Kkasuga904/sedori/internal/models"
	"github.com/Kkasuga904/sedori/internal/notify"
	"github.com/Kkasuga904/sedori/internal/profit"
	"github.com/Kkasuga904/sedori/internal/ratelimit"
	"github.com/Kkasuga904/sedori/internal/spapi"
	"github.com/Kkasuga904/sedori/internal/transport"
)

// PriceHistoryClient supplies the summarized price history.
type PriceHistoryClient interface {
	GetPriceSnapshot(ctx context.Context, query models.ProductQuery) (models.ServiceResult[*models.KeepaPriceSnapshot], error)
}

// MarketplaceClient supplies current offers and fee estimates.
type MarketplaceClient interface {
	GetCompetitivePricing(ctx context.Context, query models.ProductQuery) (models.ServiceResult[[]models.CompetitivePrice], error)
	GetFeesEstimate(ctx context.Context, identifier string, price decimal.Decimal) (models.ServiceResult[*models.FeeBreakdown], error)
}

// Notifier fans a decision summary out to chat channels.
type Notifier interface {
	PostSlack(ctx context.Context, text string) error
	PostLine(ctx context.Context, text string) error
}

// SheetAppender records winning listings in a spreadsheet. A failing
// append is logged and never affects the decision.
type SheetAppender interface {
	AppendListing(ctx context.Context, listing models.ProductListing, analysis models.ProfitAnalysis) error
}

// RunParams are the per-invocation inputs. Pointer fields are optional
// overrides; nil falls back to configuration.
type RunParams struct {
	ASIN         string
	Barcode      string
	PurchaseCost decimal.Decimal

	InboundShipping *decimal.Decimal
	Packaging       *decimal.Decimal
	StorageFee      *decimal.Decimal
	Taxes           *decimal.Decimal
	TargetPrice     *decimal.Decimal
	FXSpreadBP      *int64
	ReturnRate      *decimal.Decimal

	NotifySlack  bool
	NotifyLine   bool
	DryRun       bool
	DecisionPath string
	RequestID    string
}

// Agent owns the shared clients for a process. Safe for concurrent
// Run calls; the rate-limit primitives are shared across them.
type Agent struct {
	settings    *config.Settings
	history     PriceHistoryClient
	marketplace MarketplaceClient
	notifier    Notifier
	sheets      SheetAppender
	log         zerolog.Logger

	sleep     func(time.Duration)
	randFloat func() float64
}

// NewAgent wires the real service clients from settings.
func NewAgent(settings *config.Settings, logger zerolog.Logger) *Agent {
	retry := transport.RetryPolicy{
		MaxAttempts: settings.Retry.MaxAttempts,
		Base:        settings.Retry.BaseInterval(),
		MaxSleep:    settings.Retry.MaxSleepInterval(),
	}
	budget := ratelimit.NewRequestBudget()

	spapiTransport := transport.NewClient(
		budget,
		settings.Budget.SPAPI,
		ratelimit.NewKeySemaphore(settings.CLI.SPAPIMaxInflight),
		ratelimit.NewBreaker("spapi", ratelimit.DefaultFailureThreshold, ratelimit.DefaultCooldown),
		retry,
		logger.With().Str("component", "transport.spapi").Logger(),
	)
	keepaTransport := transport.NewClient(
		budget,
		settings.Budget.Keepa,
		ratelimit.NewKeySemaphore(settings.CLI.KeepaMaxInflight),
		ratelimit.NewBreaker("keepa", ratelimit.DefaultFailureThreshold, ratelimit.DefaultCooldown),
		retry,
		logger.With().Str("component", "transport.keepa").Logger(),
	)

	auth := spapi.NewAuthenticator(
		settings.API.SPAPI.LWAClientID,
		settings.API.SPAPI.LWAClientSecret,
		settings.API.SPAPI.RefreshToken,
		retry,
		logger,
	)

	return &Agent{
		settings:    settings,
		history:     keepa.NewClient(settings.API.Keepa, settings.Cache, keepaTransport, logger),
		marketplace: spapi.NewClient(settings.API.SPAPI, spapiTransport, auth, logger),
		notifier:    notify.NewNotifier(settings.Notify, retry, logger),
		log:         logger.With().Str("component", "pipeline").Logger(),
		sleep:       time.Sleep,
		randFloat:   rand.Float64,
	}
}

// SetClients replaces the service clients, used by tests and by
// callers that bring their own implementations.
func (a *Agent) SetClients(history PriceHistoryClient, marketplace MarketplaceClient, notifier Notifier) {
	if history != nil {
		a.history = history
	}
	if marketplace != nil {
		a.marketplace = marketplace
	}
	if notifier != nil {
		a.notifier = notifier
	}
}

// SetSheetAppender installs the optional spreadsheet collaborator.
func (a *Agent) SetSheetAppender(sheets SheetAppender) { a.sheets = sheets }

// Run executes one decision. Soft service failures degrade the inputs
// and the run still produces a document; only profit computation
// failures abort it.
func (a *Agent) Run(ctx context.Context, params RunParams) (*Document, error) {
	query, err := models.NewProductQuery(params.ASIN, params.Barcode)
	if err != nil {
		return nil, err
	}
	requestID := params.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	log := a.log.With().Str("request_id", requestID).Str("id", query.Identifier()).Logger()

	state := flagState{}

	snapshotRes, err := a.history.GetPriceSnapshot(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("price history collection failed")
		snapshotRes = models.ServiceResult[*models.KeepaPriceSnapshot]{
			Flags: models.ServiceFlags{Degraded: true, Reason: models.ReasonKeepaError},
		}
	}
	keepaFlags := snapshotRes.Flags
	snapshot := defaultSnapshot(a.settings.API.SPAPI.DefaultCurrency)
	if snapshotRes.Data != nil {
		snapshot = *snapshotRes.Data
	}
	state.merge(keepaFlags)

	a.stagger()

	pricingRes, err := a.marketplace.GetCompetitivePricing(ctx, query)
	if err != nil {
		log.Error().Err(err).Msg("competitive pricing failed")
		pricingRes = models.ServiceResult[[]models.CompetitivePrice]{
			Flags: models.ServiceFlags{Degraded: true, Reason: models.ReasonSPAPIPricingError},
		}
	}
	competitiveFlags := pricingRes.Flags
	offers := pricingRes.Data
	state.merge(competitiveFlags)

	sellingPrice := a.determineSellingPrice(log, params.TargetPrice, offers, snapshot)

	// pricing and fees share one quota; each call gets its own spacing
	a.stagger()

	feesRes, err := a.marketplace.GetFeesEstimate(ctx, query.Identifier(), sellingPrice)
	if err != nil {
		log.Warn().Err(err).Msg("fees estimate unavailable")
		feesRes = models.ServiceResult[*models.FeeBreakdown]{
			Flags: models.ServiceFlags{Degraded: true, Reason: models.ReasonSPAPIFeeError},
		}
	}
	feesFlags := feesRes.Flags
	baseFees := models.FeeBreakdown{}
	if feesRes.Data != nil {
		baseFees = *feesRes.Data
	}
	state.merge(feesFlags)

	fees := a.composeFees(params, baseFees, sellingPrice)

	analysis, err := profit.Calculate(sellingPrice, params.PurchaseCost, fees, a.settings.Money.Rounding.Decimal)
	if err != nil {
		log.Error().Err(err).Msg("profit calculation failed")
		return nil, err
	}

	decision := a.makeDecision(analysis, snapshot, offers, state.degraded)

	reasons := sortedUnique(append(append([]string{}, decision.Reasons...), state.reasons...))

	doc := &Document{
		RequestID: requestID,
		Inputs: InputsDoc{
			ASIN:         optional(query.ASIN()),
			Barcode:      optional(query.Barcode()),
			PurchaseCost: params.PurchaseCost.String(),
			SellingPrice: sellingPrice.String(),
		},
		Sources: SourcesDoc{
			Keepa: KeepaSourceDoc{
				Flags:    flagsDoc(keepaFlags),
				Snapshot: snapshotDoc(snapshot),
			},
			Competitive: CompetitiveSourceDoc{
				Flags:  flagsDoc(competitiveFlags),
				Offers: offerDocs(offers),
			},
			Fees: FeesSourceDoc{
				Flags:     flagsDoc(feesFlags),
				Breakdown: feesDoc(analysis.Fees),
			},
		},
		Calc:       calcDoc(analysis),
		Thresholds: thresholdsDoc(a.settings.Thresholds),
		Flags: FlagsDoc{
			Degraded:    state.degraded,
			Cached:      state.cached,
			CircuitOpen: state.circuitOpen,
			Reasons:     reasons,
		},
		Decision: DecisionDoc{
			Buy:        decision.MeetsThresholds,
			Profitable: decision.IsProfitable,
			Reasons:    reasons,
		},
	}

	if params.DecisionPath != "" {
		if err := writeDocument(params.DecisionPath, doc); err != nil {
			return nil, err
		}
	}

	if decision.MeetsThresholds && !params.DryRun {
		listing := a.buildListing(query.Identifier(), sellingPrice, snapshot)
		if params.NotifySlack || params.NotifyLine {
			a.dispatchNotifications(ctx, log, listing, analysis, reasons, params.NotifySlack, params.NotifyLine)
		}
		if a.sheets != nil {
			if err := a.sheets.AppendListing(ctx, listing, analysis); err != nil {
				log.Error().Err(err).Msg("spreadsheet update failed")
			}
		}
	}

	return doc, nil
}

func (a *Agent) stagger() {
	jitter := a.settings.CLI.StaggerJitterSeconds
	if jitter <= 0 {
		return
	}
	a.sleep(time.Duration(a.randFloat() * jitter * float64(time.Second)))
}

// determineSellingPrice picks, in order: an explicit positive target
// price, the cheapest landed offer, the latest history price, zero.
func (a *Agent) determineSellingPrice(log zerolog.Logger, target *decimal.Decimal, offers []models.CompetitivePrice, snapshot models.KeepaPriceSnapshot) decimal.Decimal {
	if target != nil && target.IsPositive() {
		return *target
	}
	if len(offers) > 0 {
		cheapest := offers[0].LandedPrice
		for _, offer := range offers[1:] {
			if offer.LandedPrice.LessThan(cheapest) {
				cheapest = offer.LandedPrice
			}
		}
		return cheapest
	}
	if snapshot.CurrentPrice.IsPositive() {
		return snapshot.CurrentPrice
	}
	log.Warn().Msg("falling back to zero selling price, no market data")
	return decimal.Zero
}

func (a *Agent) composeFees(params RunParams, base models.FeeBreakdown, sellingPrice decimal.Decimal) models.FeeBreakdown {
	money := a.settings.Money

	fxSpreadBP := money.FXSpreadBP
	if params.FXSpreadBP != nil {
		fxSpreadBP = *params.FXSpreadBP
	}
	returnRate := money.ReturnRate.Decimal
	if params.ReturnRate != nil {
		returnRate = *params.ReturnRate
	}
	taxes := decimal.Zero
	if params.Taxes != nil {
		taxes = *params.Taxes
	}

	return models.FeeBreakdown{
		ReferralFee:        base.ReferralFee,
		ClosingFee:         base.ClosingFee,
		FBAFee:             base.FBAFee,
		InboundShipping:    pick(params.InboundShipping, money.InboundShipping.Decimal),
		PackagingMaterials: pick(params.Packaging, money.PackagingMaterials.Decimal),
		StorageFee:         pick(params.StorageFee, money.StorageFeeMonthly.Decimal),
		Taxes:              taxes.Add(base.Taxes),
		FXSpread:           profit.BasisPoints(sellingPrice, fxSpreadBP),
		ReturnsCost:        sellingPrice.Mul(returnRate),
		OtherCosts:         base.OtherCosts,
	}
}

func pick(override *decimal.Decimal, fallback decimal.Decimal) decimal.Decimal {
	if override != nil {
		return *override
	}
	return fallback
}

func (a *Agent) makeDecision(analysis models.ProfitAnalysis, snapshot models.KeepaPriceSnapshot, offers []models.CompetitivePrice, degraded bool) models.PurchaseDecision {
	thresholds := a.settings.Thresholds

	isProfitable := analysis.Profit.IsPositive()
	meetsProfit := analysis.Profit.GreaterThanOrEqual(thresholds.MinProfit.Decimal)
	meetsROI := analysis.ROI.GreaterThanOrEqual(thresholds.MinROI.Decimal)
	meetsRank := true
	if thresholds.MaxRank != nil {
		meetsRank = snapshot.SalesRank == nil || *snapshot.SalesRank <= *thresholds.MaxRank
	}
	hasOffers := len(offers) > 0

	var reasons []string
	if !meetsProfit {
		reasons = append(reasons, models.ReasonProfitBelowThreshold)
	}
	if !meetsROI {
		reasons = append(reasons, models.ReasonROIBelowThreshold)
	}
	if !meetsRank {
		reasons = append(reasons, models.ReasonRankAboveThreshold)
	}
	if !hasOffers {
		reasons = append(reasons, models.ReasonNoCompetitiveOffers)
	}
	if degraded {
		reasons = append(reasons, models.ReasonDegradedInputs)
	}

	return models.PurchaseDecision{
		IsProfitable:    isProfitable,
		MeetsThresholds: isProfitable && meetsProfit && meetsROI && meetsRank && hasOffers && !degraded,
		Reasons:         reasons,
	}
}

func (a *Agent) buildListing(identifier string, sellingPrice decimal.Decimal, snapshot models.KeepaPriceSnapshot) models.ProductListing {
	title := snapshot.Title
	if title == "" {
		title = "ASIN " + identifier
	}
	description := fmt.Sprintf(
		"%s\n30d avg price: %s\n30d lowest price: %s\n30d highest price: %s",
		title, snapshot.AveragePrice30d, snapshot.LowestPrice30d, snapshot.HighestPrice30d,
	)
	return models.ProductListing{
		ASIN:        identifier,
		Title:       title,
		Price:       sellingPrice,
		Description: description,
		ImageURLs:   snapshot.ImageURLs,
		Currency:    snapshot.Currency,
	}
}

func (a *Agent) dispatchNotifications(ctx context.Context, log zerolog.Logger, listing models.ProductListing, analysis models.ProfitAnalysis, reasons []string, slack, line bool) {
	summary := a.buildSummary(listing, analysis, reasons)
	if slack {
		if err := a.notifier.PostSlack(ctx, summary); err != nil {
			log.Error().Err(err).Msg("slack notification failed")
		}
	}
	if line {
		if err := a.notifier.PostLine(ctx, summary); err != nil {
			log.Error().Err(err).Msg("line notification failed")
		}
	}
}

func (a *Agent) buildSummary(listing models.ProductListing, analysis models.ProfitAnalysis, reasons []string) string {
	primary := "thresholds_met"
	if len(reasons) > 0 {
		primary = reasons[0]
	}
	roiPct := analysis.ROI.Mul(decimal.NewFromInt(100)).Round(1)
	return fmt.Sprintf("ASIN: %s | ¥%s | profit ¥%s | ROI %s%% | reason: %s",
		listing.ASIN, analysis.SellingPrice, analysis.Profit, roiPct, primary)
}

func defaultSnapshot(currency string) models.KeepaPriceSnapshot {
	if currency == "" {
		currency = "JPY"
	}
	return models.KeepaPriceSnapshot{
		CurrentPrice:    decimal.Zero,
		AveragePrice30d: decimal.Zero,
		LowestPrice30d:  decimal.Zero,
		HighestPrice30d: decimal.Zero,
		Currency:        currency,
	}
}

func writeDocument(path string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// flagState aggregates per-service flags across the run.
type flagState struct {
	degraded    bool
	cached      bool
	circuitOpen bool
	reasons     []string
}

func (s *flagState) merge(flags models.ServiceFlags) {
	s.degraded = s.degraded || flags.Degraded
	s.cached = s.cached || flags.Cached
	s.circuitOpen = s.circuitOpen || flags.CircuitOpen
	if flags.Reason != "" {
		s.reasons = append(s.reasons, flags.Reason)
	}
}
