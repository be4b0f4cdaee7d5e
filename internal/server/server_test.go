package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/auth"
	"github.com/localmarket/paycore/internal/config"
	"github.com/localmarket/paycore/internal/processor"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config with background loops off.
func testConfig() *config.Config {
	return &config.Config{
		Port:               "0",
		Env:                "test",
		LogLevel:           "error",
		LogFormat:          "text",
		PlatformFeePercent: decimal.RequireFromString("2.9"),
		EscrowHoldPeriod:   7 * 24 * time.Hour,
		MinPayoutAmount:    100,
		ProcessorTimeout:   time.Second,
		RateLimitRPM:       1000,
		Version:            "test-build",
	}
}

type testServer struct {
	*Server
	t *testing.T
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := New(testConfig(), WithGateway(processor.NewFake("whsec_test")))
	require.NoError(t, err)
	s.shutdownDelay = 0
	t.Cleanup(func() { _ = s.Shutdown() })
	return &testServer{Server: s, t: t}
}

func (ts *testServer) key(userID string, role auth.Role) string {
	ts.t.Helper()
	raw, _, err := ts.authMgr.GenerateKey(context.Background(), userID, role, "test")
	require.NoError(ts.t, err)
	return raw
}

func (ts *testServer) do(method, path, key string, body any) (*httptest.ResponseRecorder, map[string]any) {
	ts.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(ts.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func data(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	d, ok := env["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", env)
	return d
}

func errorCode(env map[string]any) string {
	e, _ := env["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w, _ := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test-build", resp.Version)
	require.Len(t, resp.Checks, 1)
	assert.Equal(t, "processor", resp.Checks[0].Name)

	w, _ = ts.do(http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready until Run")
}

func TestHealthDegradedWhenProcessorCircuitOpen(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 5; i++ {
		ts.breaker.RecordFailure(processor.OpRefund)
	}

	w, _ := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
}

func TestAPIKeyRequired(t *testing.T) {
	ts := newTestServer(t)

	w, env := ts.do(http.MethodGet, "/v1/payments/pay_1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "unauthorized", errorCode(env))

	w, _ = ts.do(http.MethodGet, "/v1/payments/pay_1", "mk_not_a_real_key", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCorrelationIDEchoed(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/pay_1", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	assert.Equal(t, "corr-123", w.Header().Get("X-Correlation-ID"))

	var env map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "corr-123", env["correlationId"])

	w = httptest.NewRecorder()
	ts.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/live", nil))
	assert.NotEmpty(t, w.Header().Get("X-Correlation-ID"))
}

func TestMalformedIDRejected(t *testing.T) {
	ts := newTestServer(t)
	owner := ts.key("usr_owner", auth.RoleOwner)

	w, env := ts.do(http.MethodGet, "/v1/payments/bad!id", owner, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errorCode(env))
}

func TestRoleAndOwnershipChecks(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.key("usr_admin", auth.RoleAdmin)
	owner := ts.key("usr_owner", auth.RoleOwner)
	stranger := ts.key("usr_other", auth.RoleOwner)
	customer := ts.key("usr_cust", auth.RoleCustomer)

	body := map[string]any{
		"ownerId": "usr_owner", "name": "Corner Cafe", "stripeAccountId": "acct_1",
		"active": true, "location": map[string]any{"state": "CA"},
	}
	w, _ := ts.do(http.MethodPut, "/v1/admin/businesses/biz_1", owner, body)
	assert.Equal(t, http.StatusForbidden, w.Code, "owners cannot register businesses")

	w, _ = ts.do(http.MethodPut, "/v1/admin/businesses/biz_1", admin, body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, _ = ts.do(http.MethodGet, "/v1/businesses/biz_1/payments", owner, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env := ts.do(http.MethodGet, "/v1/businesses/biz_1/payments", stranger, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errorCode(env))

	w, _ = ts.do(http.MethodGet, "/v1/businesses/biz_1/payments", customer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = ts.do(http.MethodGet, "/v1/businesses/biz_1/payments", admin, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(http.MethodGet, "/v1/businesses/biz_missing/payments", stranger, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPaymentFlowThroughHTTP(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.key("usr_admin", auth.RoleAdmin)
	owner := ts.key("usr_owner", auth.RoleOwner)
	customer := ts.key("usr_cust", auth.RoleCustomer)

	w, _ := ts.do(http.MethodPut, "/v1/admin/businesses/biz_1", admin, map[string]any{
		"ownerId": "usr_owner", "name": "Corner Cafe", "stripeAccountId": "acct_1",
		"active": true, "location": map[string]any{"state": "CA"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env := ts.do(http.MethodPost, "/v1/payments/intents", owner, map[string]any{
		"businessId": "biz_1", "amount": 10000, "currency": "usd", "customerId": "usr_cust",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := data(t, env)
	id, _ := created["paymentIntentId"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, float64(290), created["platformFee"])
	assert.Equal(t, float64(9710), created["businessAmount"])

	w, env = ts.do(http.MethodPost, "/v1/payments/"+id+"/confirm", customer, map[string]any{
		"paymentMethodId": processor.FakeCardSuccess,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "requires_capture", data(t, env)["status"])

	w, _ = ts.do(http.MethodPost, "/v1/payments/"+id+"/capture", customer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "customers cannot capture")

	w, env = ts.do(http.MethodPost, "/v1/payments/"+id+"/capture", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "succeeded", data(t, env)["status"])

	w, env = ts.do(http.MethodGet, "/v1/businesses/biz_1/payouts/available", owner, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(9710), data(t, env)["available"])

	w, env = ts.do(http.MethodPost, "/v1/payments/"+id+"/refund", owner, map[string]any{
		"amount": 20000,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "refund_exceeds_original", errorCode(env))
}

func TestWebhookRejectsBadSignatureWithoutAPIKey(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://pay:***@db:5432/paycore", maskDSN("postgres://pay:secret@db:5432/paycore"))
	assert.Equal(t, "***", maskDSN("://bad"))
}

func TestBusinessWebhookSubscriptions(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.key("usr_admin", auth.RoleAdmin)
	owner := ts.key("usr_owner", auth.RoleOwner)
	stranger := ts.key("usr_other", auth.RoleOwner)

	w, _ := ts.do(http.MethodPut, "/v1/admin/businesses/biz_1", admin, map[string]any{
		"ownerId": "usr_owner", "name": "Corner Cafe", "stripeAccountId": "acct_1",
		"active": true, "location": map[string]any{"state": "CA"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	sub := map[string]any{"url": "http://localhost:9999/hooks", "events": []string{"payment.captured"}}
	w, _ = ts.do(http.MethodPost, "/v1/businesses/biz_1/webhooks", stranger, sub)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, env := ts.do(http.MethodPost, "/v1/businesses/biz_1/webhooks", owner, sub)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.NotEmpty(t, data(t, env)["secret"])

	w, env = ts.do(http.MethodGet, "/v1/businesses/biz_1/webhooks", owner, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, data(t, env)["subscriptions"], 1)
}
