// Package profit computes purchase profitability in fixed-point
// decimal arithmetic. Everything here is pure; no I/O, no clocks.
package profit

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/Kkasuga904/sedori/internal/models"
)

// Ratios (roi, margin) are always quantized to four places.
const ratioPlaces = 4

// ComputationError reports invalid numeric inputs, such as a rounding
// quantum that is not a positive power of ten.
type ComputationError struct {
	Reason string
}

func (e *ComputationError) Error() string {
	return "profit computation: " + e.Reason
}

// Calculate derives total cost, profit, roi and margin. Totals are
// computed on the raw inputs and quantized afterwards; the quantized
// fee components replace the input breakdown in the result.
func Calculate(sellingPrice, purchaseCost decimal.Decimal, fees models.FeeBreakdown, rounding decimal.Decimal) (models.ProfitAnalysis, error) {
	places, err := quantumPlaces(rounding)
	if err != nil {
		return models.ProfitAnalysis{}, err
	}

	totalCost := purchaseCost.Add(fees.Total())
	profit := sellingPrice.Sub(totalCost)
	roi := SafeDivide(profit, purchaseCost)
	margin := SafeDivide(profit, sellingPrice)

	return models.ProfitAnalysis{
		SellingPrice: sellingPrice.Round(places),
		PurchaseCost: purchaseCost.Round(places),
		Fees:         quantizeFees(fees, places),
		TotalCost:    totalCost.Round(places),
		Profit:       profit.Round(places),
		ROI:          roi.Round(ratioPlaces),
		Margin:       margin.Round(ratioPlaces),
	}, nil
}

// SafeDivide returns numerator/denominator, or zero when the
// denominator is zero.
func SafeDivide(numerator, denominator decimal.Decimal) decimal.Decimal {
	if denominator.IsZero() {
		return decimal.Zero
	}
	return numerator.DivRound(denominator, ratioPlaces+4)
}

// Quantize rounds value to the given power-of-ten quantum, half up.
func Quantize(value, quantum decimal.Decimal) (decimal.Decimal, error) {
	places, err := quantumPlaces(quantum)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return value.Round(places), nil
}

// quantumPlaces converts a power-of-ten quantum like 0.01 or 1 to the
// number of decimal places to round to.
func quantumPlaces(quantum decimal.Decimal) (int32, error) {
	if quantum.Sign() <= 0 {
		return 0, &ComputationError{Reason: fmt.Sprintf("rounding quantum must be positive, got %s", quantum)}
	}
	if quantum.Coefficient().Cmp(big.NewInt(1)) != 0 {
		return 0, &ComputationError{Reason: fmt.Sprintf("rounding quantum must be a power of ten, got %s", quantum)}
	}
	return -quantum.Exponent(), nil
}

func quantizeFees(fees models.FeeBreakdown, places int32) models.FeeBreakdown {
	return models.FeeBreakdown{
		ReferralFee:        fees.ReferralFee.Round(places),
		ClosingFee:         fees.ClosingFee.Round(places),
		FBAFee:             fees.FBAFee.Round(places),
		InboundShipping:    fees.InboundShipping.Round(places),
		PackagingMaterials: fees.PackagingMaterials.Round(places),
		StorageFee:         fees.StorageFee.Round(places),
		Taxes:              fees.Taxes.Round(places),
		FXSpread:           fees.FXSpread.Round(places),
		ReturnsCost:        fees.ReturnsCost.Round(places),
		OtherCosts:         fees.OtherCosts.Round(places),
	}
}

// BasisPoints returns amount scaled by bp/10000, unrounded.
func BasisPoints(amount decimal.Decimal, bp int64) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(bp)).Div(decimal.NewFromInt(10000))
}
