package tax

import (
	"context"
	"testing"
	"time"

	"github.com/localmarket/paycore/internal/apperr"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCalculator(t *testing.T) (*Calculator, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	calc := NewCalculator(DefaultRateTable(), store)
	calc.now = func() time.Time { return time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC) }
	return calc, store
}

func TestCalculate_CaliforniaNoCustomer(t *testing.T) {
	calc, _ := newTestCalculator(t)

	res, err := calc.Calculate(context.Background(), Request{
		BusinessID:       "biz_1",
		Amount:           10000,
		BusinessLocation: &Location{State: "CA"},
	})
	require.NoError(t, err)

	assert.Equal(t, "CA", res.Jurisdiction)
	assert.Greater(t, res.TaxAmount, int64(0))
	// 7.25% state + 1.25% local
	assert.Equal(t, int64(725+125), res.TaxAmount)
	assert.True(t, res.TaxRate.Equal(decimal.RequireFromString("0.085")))
	require.Len(t, res.Breakdown, 2)
	assert.Equal(t, TypeState, res.Breakdown[0].TaxType)
	assert.Equal(t, TypeLocal, res.Breakdown[1].TaxType)
	assert.False(t, res.ExemptionApplied)
}

func TestCalculate_NonprofitExemption(t *testing.T) {
	calc, store := newTestCalculator(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &Exemption{
		ID:         "txe_np",
		BusinessID: "biz_1",
		Type:       ExemptNonprofit,
		Active:     true,
		ValidFrom:  time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	res, err := calc.Calculate(ctx, Request{
		BusinessID:       "biz_1",
		Amount:           10000,
		BusinessLocation: &Location{State: "CA"},
		ExemptionID:      "txe_np",
	})
	require.NoError(t, err)

	assert.True(t, res.ExemptionApplied)
	assert.Equal(t, int64(0), res.TaxAmount)
	assert.True(t, res.TaxRate.IsZero())
	for _, l := range res.Breakdown {
		assert.True(t, l.Exempt, "line %s should be exempt", l.TaxType)
		assert.Greater(t, l.Amount, int64(0), "exempt lines keep their computed amount")
	}
}

func TestCalculate_NonprofitDoesNotExemptExcise(t *testing.T) {
	calc, store := newTestCalculator(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &Exemption{
		ID: "txe_np", BusinessID: "biz_1", Type: ExemptNonprofit, Active: true,
		ValidFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	res, err := calc.Calculate(ctx, Request{
		BusinessID:       "biz_1",
		Amount:           10000,
		BusinessLocation: &Location{State: "TX"},
		ProductType:      ProductAlcohol,
		ExemptionID:      "txe_np",
	})
	require.NoError(t, err)

	require.Len(t, res.Breakdown, 3)
	assert.Equal(t, TypeExcise, res.Breakdown[2].TaxType)
	assert.False(t, res.Breakdown[2].Exempt)
	assert.Equal(t, int64(200), res.TaxAmount)
}

func TestCalculate_EveryExemptionType(t *testing.T) {
	all := []Type{TypeState, TypeLocal}
	tests := []struct {
		typ        ExemptionType
		product    ProductType
		wantExempt []Type
	}{
		{ExemptNonprofit, ProductGeneral, all},
		{ExemptGovernment, ProductGeneral, all},
		{ExemptEducational, ProductGeneral, all},
		{ExemptMedical, ProductGeneral, all},
		{ExemptResale, ProductGeneral, all},
		{ExemptManufacturing, ProductGeneral, []Type{TypeState}},
		{ExemptAgriculture, ProductGeneral, all},
		{ExemptFoodStamps, ProductFood, all},
		{ExemptFoodStamps, ProductGeneral, nil},
	}
	require.Len(t, ExemptionTypes, 8)

	for _, tt := range tests {
		t.Run(string(tt.typ)+"/"+string(tt.product), func(t *testing.T) {
			calc, store := newTestCalculator(t)
			ctx := context.Background()
			require.NoError(t, store.Create(ctx, &Exemption{
				ID: "txe_1", BusinessID: "biz_1", Type: tt.typ, Active: true,
				ValidFrom: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			}))

			res, err := calc.Calculate(ctx, Request{
				BusinessID:       "biz_1",
				Amount:           10000,
				BusinessLocation: &Location{State: "CA"},
				ProductType:      tt.product,
				ExemptionID:      "txe_1",
			})
			require.NoError(t, err)
			require.Len(t, res.Breakdown, 2)

			var owed int64
			for _, l := range res.Breakdown {
				want := false
				for _, x := range tt.wantExempt {
					want = want || x == l.TaxType
				}
				assert.Equal(t, want, l.Exempt, "line %s", l.TaxType)
				if !l.Exempt {
					owed += l.Amount
				}
			}
			assert.Equal(t, len(tt.wantExempt) > 0, res.ExemptionApplied)
			assert.Equal(t, owed, res.TaxAmount)
		})
	}
}

func TestCalculate_ExemptionNotApplicable(t *testing.T) {
	calc, store := newTestCalculator(t)
	ctx := context.Background()
	expired := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, store.Create(ctx, &Exemption{
		ID: "txe_expired", BusinessID: "biz_1", Type: ExemptNonprofit, Active: true,
		ValidFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), ValidUntil: &expired,
	}))
	require.NoError(t, store.Create(ctx, &Exemption{
		ID: "txe_inactive", BusinessID: "biz_1", Type: ExemptNonprofit, Active: false,
		ValidFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, store.Create(ctx, &Exemption{
		ID: "txe_other", BusinessID: "biz_2", Type: ExemptNonprofit, Active: true,
		ValidFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))
	require.NoError(t, store.Create(ctx, &Exemption{
		ID: "txe_ny", BusinessID: "biz_1", Type: ExemptNonprofit, Active: true, Jurisdiction: "NY",
		ValidFrom: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}))

	for _, id := range []string{"txe_expired", "txe_inactive", "txe_other", "txe_ny", "txe_missing"} {
		res, err := calc.Calculate(ctx, Request{
			BusinessID:       "biz_1",
			Amount:           10000,
			BusinessLocation: &Location{State: "CA"},
			ExemptionID:      id,
		})
		require.NoError(t, err, id)
		assert.False(t, res.ExemptionApplied, id)
		assert.Equal(t, int64(850), res.TaxAmount, id)
	}
}

func TestCalculate_Sourcing(t *testing.T) {
	calc, _ := newTestCalculator(t)
	ctx := context.Background()

	// NY is destination-sourced: the customer's state governs.
	res, err := calc.Calculate(ctx, Request{
		BusinessID:       "biz_1",
		Amount:           10000,
		BusinessLocation: &Location{State: "NY"},
		CustomerLocation: &Location{State: "wa"},
	})
	require.NoError(t, err)
	assert.Equal(t, "NY-WA", res.Jurisdiction)
	assert.Equal(t, "WA", res.Breakdown[0].Jurisdiction)
	assert.Equal(t, int64(650+288), res.TaxAmount)

	// CA is origin-sourced: the business's state governs.
	res, err = calc.Calculate(ctx, Request{
		BusinessID:       "biz_1",
		Amount:           10000,
		BusinessLocation: &Location{State: "CA"},
		CustomerLocation: &Location{State: "WA"},
	})
	require.NoError(t, err)
	assert.Equal(t, "CA-WA", res.Jurisdiction)
	assert.Equal(t, "CA", res.Breakdown[0].Jurisdiction)
	assert.Equal(t, int64(850), res.TaxAmount)

	// Same-state customer is not interstate.
	res, err = calc.Calculate(ctx, Request{
		BusinessID:       "biz_1",
		Amount:           10000,
		BusinessLocation: &Location{State: "WA"},
		CustomerLocation: &Location{State: "WA"},
	})
	require.NoError(t, err)
	assert.Equal(t, "WA", res.Jurisdiction)
}

func TestCalculate_ProductTypes(t *testing.T) {
	calc, _ := newTestCalculator(t)
	ctx := context.Background()
	base := Request{BusinessID: "biz_1", Amount: 10000, BusinessLocation: &Location{State: "CA"}}

	medical := base
	medical.ProductType = ProductMedical
	res, err := calc.Calculate(ctx, medical)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.TaxAmount)

	food := base
	food.ProductType = ProductFood
	res, err = calc.Calculate(ctx, food)
	require.NoError(t, err)
	assert.Equal(t, int64(363+63), res.TaxAmount) // 362.5 and 62.5 round away from zero

	digital := base
	digital.ProductType = ProductDigital
	res, err = calc.Calculate(ctx, digital)
	require.NoError(t, err)
	require.Len(t, res.Breakdown, 1)
	assert.Equal(t, int64(725), res.TaxAmount)
}

func TestCalculate_UnknownStateUsesDefault(t *testing.T) {
	calc, _ := newTestCalculator(t)
	res, err := calc.Calculate(context.Background(), Request{
		BusinessID: "biz_1", Amount: 10000, BusinessLocation: &Location{State: "VT"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.TaxAmount)
}

func TestCalculate_Validation(t *testing.T) {
	calc, _ := newTestCalculator(t)
	ctx := context.Background()

	_, err := calc.Calculate(ctx, Request{BusinessID: "b", Amount: 0, BusinessLocation: &Location{State: "CA"}})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = calc.Calculate(ctx, Request{BusinessID: "b", Amount: 100})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))

	_, err = calc.Calculate(ctx, Request{BusinessID: "b", Amount: 100, BusinessLocation: &Location{State: "CA"}, ProductType: "jewelry"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}

func TestParseRateTable_Invalid(t *testing.T) {
	_, err := ParseRateTable([]byte("default: {state: \"abc\"}"))
	assert.Error(t, err)

	_, err = ParseRateTable([]byte("default: {state: \"0.05\", sourcing: sideways}"))
	assert.Error(t, err)

	table, err := ParseRateTable([]byte("default: {state: \"0.05\"}\nstates:\n  ca: {state: \"0.07\"}"))
	require.NoError(t, err)
	assert.True(t, table.Lookup("CA").State.Equal(decimal.RequireFromString("0.07")))
	assert.Equal(t, SourcingDestination, table.Lookup("CA").Sourcing)
}
