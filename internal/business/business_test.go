package business

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/apperr"
	"github.com/localmarket/paycore/internal/tax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusiness_Eligible(t *testing.T) {
	b := &Business{ID: "biz_1", Active: true, StripeAccountID: "acct_1"}
	assert.NoError(t, b.Eligible())

	b.StripeAccountID = ""
	err := b.Eligible()
	assert.ErrorIs(t, err, ErrNotEligible)
	assert.True(t, apperr.IsKind(err, apperr.KindNotEligible))

	b = &Business{ID: "biz_1", Active: false, StripeAccountID: "acct_1"}
	assert.ErrorIs(t, b.Eligible(), ErrNotEligible)
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewMemoryDirectory()

	require.NoError(t, dir.UpsertBusiness(ctx, &Business{ID: "biz_b", Active: true, Location: tax.Location{State: "CA"}}))
	require.NoError(t, dir.UpsertBusiness(ctx, &Business{ID: "biz_a", Active: true}))
	require.NoError(t, dir.UpsertBusiness(ctx, &Business{ID: "biz_off", Active: false}))

	active, err := dir.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "biz_a", active[0].ID)

	loc, err := Resolver{Directory: dir}.BusinessLocation(ctx, "biz_b")
	require.NoError(t, err)
	assert.Equal(t, "CA", loc.State)

	_, err = dir.GetBusiness(ctx, "biz_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, dir.UpsertReservation(ctx, &Reservation{ID: "res_1", BusinessID: "biz_a", CompletionStatus: CompletionConfirmed}))
	require.NoError(t, dir.SetReservationPayment(ctx, "res_1", "pay_1", PaymentHeld))
	require.NoError(t, dir.SetReservationPayment(ctx, "res_1", "", PaymentCaptured))

	res, err := dir.GetReservation(ctx, "res_1")
	require.NoError(t, err)
	assert.Equal(t, "pay_1", res.PaymentIntentID)
	assert.Equal(t, PaymentCaptured, res.PaymentStatus)

	assert.ErrorIs(t, dir.SetReservationPayment(ctx, "res_missing", "", PaymentHeld), ErrReservationNotFound)
}

func TestHandler_PutAndGet(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := NewMemoryDirectory()
	h := NewHandler(dir)
	r := gin.New()
	h.RegisterOwnerRoutes(r.Group("/v1"))
	h.RegisterAdminRoutes(r.Group("/v1"))

	body := `{"ownerId":"usr_1","name":"Corner Bakery","stripeAccountId":"acct_1","active":true,"location":{"state":"CA"},"feePercent":"3.5"}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/v1/admin/businesses/biz_1", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	b, err := dir.GetBusiness(context.Background(), "biz_1")
	require.NoError(t, err)
	require.NotNil(t, b.FeePercent)
	assert.Equal(t, "3.5", b.FeePercent.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/businesses/biz_1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"paymentsEnabled":true`)
	assert.NotContains(t, w.Body.String(), "acct_1")

	bad := `{"ownerId":"usr_1","name":"x","location":{"state":"CA"},"feePercent":"100"}`
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/v1/admin/businesses/biz_2", strings.NewReader(bad)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_PutReservationKeepsPaymentStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := NewMemoryDirectory()
	ctx := context.Background()
	require.NoError(t, dir.UpsertReservation(ctx, &Reservation{ID: "res_1", BusinessID: "biz_1", CompletionStatus: CompletionConfirmed}))
	require.NoError(t, dir.SetReservationPayment(ctx, "res_1", "pay_9", PaymentHeld))

	r := gin.New()
	NewHandler(dir).RegisterAdminRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PUT", "/v1/admin/reservations/res_1",
		strings.NewReader(`{"businessId":"biz_1","customerId":"usr_c","completionStatus":"completed"}`)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	res, err := dir.GetReservation(ctx, "res_1")
	require.NoError(t, err)
	assert.Equal(t, CompletionCompleted, res.CompletionStatus)
	assert.Equal(t, PaymentHeld, res.PaymentStatus)
	assert.Equal(t, "pay_9", res.PaymentIntentID)
}
