package tax

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/fees"
	"github.com/localmarket/paycore/internal/logging"
	"github.com/shopspring/decimal"
)

var half = decimal.RequireFromString("0.5")

// Calculator computes tax from a rate table and the exemption store.
type Calculator struct {
	rates      *RateTable
	exemptions ExemptionStore
	now        func() time.Time
}

// NewCalculator creates a calculator. exemptions may be nil, in which case
// exemption IDs are ignored.
func NewCalculator(rates *RateTable, exemptions ExemptionStore) *Calculator {
	if rates == nil {
		rates = DefaultRateTable()
	}
	return &Calculator{rates: rates, exemptions: exemptions, now: time.Now}
}

// Calculate returns the tax owed on req.Amount.
func (c *Calculator) Calculate(ctx context.Context, req Request) (*Result, error) {
	if req.Amount <= 0 {
		return nil, apperr.Validation("amount", "must be greater than zero")
	}
	if req.BusinessLocation == nil || strings.TrimSpace(req.BusinessLocation.State) == "" {
		return nil, apperr.Validation("businessLocation.state", "is required")
	}
	if !req.ProductType.Valid() {
		return nil, apperr.Validation("productType", "unknown product type")
	}

	businessState := normalizeState(req.BusinessLocation.State)
	customerState := ""
	if req.CustomerLocation != nil {
		customerState = normalizeState(req.CustomerLocation.State)
	}

	governing := businessState
	if c.rates.Lookup(businessState).Sourcing == SourcingDestination && customerState != "" {
		governing = customerState
	}
	jurisdiction := governing
	if customerState != "" && customerState != businessState {
		jurisdiction = businessState + "-" + customerState
	}

	rates := c.rates.Lookup(governing)
	stateRate, localRate := rates.State, rates.Local
	includeLocal := true
	switch req.ProductType {
	case ProductMedical:
		stateRate, localRate = decimal.Zero, decimal.Zero
	case ProductFood:
		stateRate, localRate = stateRate.Mul(half), localRate.Mul(half)
	case ProductDigital:
		includeLocal = false
	}

	amount := decimal.NewFromInt(req.Amount)
	lines := []Line{{
		Jurisdiction: governing,
		TaxType:      TypeState,
		Rate:         stateRate,
		Amount:       fees.Round(amount.Mul(stateRate)),
	}}
	if includeLocal {
		lines = append(lines, Line{
			Jurisdiction: governing,
			TaxType:      TypeLocal,
			Rate:         localRate,
			Amount:       fees.Round(amount.Mul(localRate)),
		})
	}
	if rate, ok := c.rates.Excise(req.ProductType); ok {
		lines = append(lines, Line{
			Jurisdiction: governing,
			TaxType:      TypeExcise,
			Rate:         rate,
			Amount:       fees.Round(amount.Mul(rate)),
		})
	}

	applied, err := c.applyExemption(ctx, req, governing, lines)
	if err != nil {
		return nil, err
	}

	res := &Result{
		TaxRate:          decimal.Zero,
		Jurisdiction:     jurisdiction,
		ExemptionApplied: applied,
		Breakdown:        lines,
	}
	for _, l := range lines {
		if l.Exempt {
			continue
		}
		res.TaxAmount += l.Amount
		res.TaxRate = res.TaxRate.Add(l.Rate)
	}
	return res, nil
}

// applyExemption marks exempt lines in place.
func (c *Calculator) applyExemption(ctx context.Context, req Request, governing string, lines []Line) (bool, error) {
	if req.ExemptionID == "" || c.exemptions == nil {
		return false, nil
	}
	ex, err := c.exemptions.Get(ctx, req.ExemptionID)
	if errors.Is(err, ErrExemptionNotFound) {
		logging.L(ctx).Debug("tax exemption not found", "exemption_id", req.ExemptionID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	at := req.At
	if at.IsZero() {
		at = c.now()
	}
	if ex.BusinessID != req.BusinessID || !ex.ValidAt(at) || !ex.Covers(governing) || !ex.Type.AppliesTo(req.ProductType) {
		logging.L(ctx).Info("tax exemption not applicable",
			"exemption_id", ex.ID,
			"business_id", req.BusinessID,
			"jurisdiction", governing,
			"product_type", req.ProductType,
		)
		return false, nil
	}

	applied := false
	for i := range lines {
		if ex.Type.Exempts(lines[i].TaxType) {
			lines[i].Exempt = true
			applied = true
		}
	}
	return applied, nil
}

func normalizeState(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
