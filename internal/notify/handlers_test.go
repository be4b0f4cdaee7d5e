package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func setupRouter(store Store, requireHTTPS bool) *gin.Engine {
	r := gin.New()
	NewHandler(store, requireHTTPS).RegisterOwnerRoutes(r.Group("/v1"))
	return r
}

func doJSON(r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var out map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &out)
	return w, out
}

func TestHandler_CreateListDelete(t *testing.T) {
	store := NewMemoryStore()
	r := setupRouter(store, true)

	w, env := doJSON(r, http.MethodPost, "/v1/businesses/biz_1/webhooks",
		`{"url":"https://hooks.example.com/paycore","events":["payment.captured","payout.paid"]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	data := env["data"].(map[string]any)
	secret, _ := data["secret"].(string)
	assert.Contains(t, secret, "whsec_")
	sub := data["subscription"].(map[string]any)
	id := sub["id"].(string)
	assert.NotContains(t, w.Body.String(), `"Secret"`)

	w, env = doJSON(r, http.MethodGet, "/v1/businesses/biz_1/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	subs := env["data"].(map[string]any)["subscriptions"].([]any)
	require.Len(t, subs, 1)

	w, _ = doJSON(r, http.MethodDelete, "/v1/businesses/biz_2/webhooks/"+id, "")
	assert.Equal(t, http.StatusNotFound, w.Code, "another business cannot delete it")

	w, _ = doJSON(r, http.MethodDelete, "/v1/businesses/biz_1/webhooks/"+id, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = doJSON(r, http.MethodGet, "/v1/businesses/biz_1/webhooks", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, env["data"].(map[string]any)["subscriptions"])
}

func TestHandler_DefaultsToAllEvents(t *testing.T) {
	store := NewMemoryStore()
	r := setupRouter(store, false)

	w, _ := doJSON(r, http.MethodPost, "/v1/businesses/biz_1/webhooks", `{"url":"http://localhost:9000/hook"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	subs, err := store.ListByBusiness(t.Context(), "biz_1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.ElementsMatch(t, AllEvents, subs[0].Events)
}

func TestHandler_Validation(t *testing.T) {
	r := setupRouter(NewMemoryStore(), true)

	tests := []struct {
		name string
		body string
	}{
		{"missing url", `{"events":["payment.captured"]}`},
		{"plain http in production", `{"url":"http://hooks.example.com"}`},
		{"relative url", `{"url":"/hook"}`},
		{"unknown event", `{"url":"https://hooks.example.com","events":["payment.exploded"]}`},
		{"malformed body", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, _ := doJSON(r, http.MethodPost, "/v1/businesses/biz_1/webhooks", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}
