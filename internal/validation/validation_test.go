package validation

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/localmarket/paycore/internal/apperr"
)

func TestIsValidID(t *testing.T) {
	tests := []struct {
		id    string
		valid bool
	}{
		{"pay_0123456789abcdef", true},
		{"biz-42", true},
		{"", false},
		{"has space", false},
		{"semi;colon", false},
		{strings.Repeat("a", 65), false},
	}
	for _, tc := range tests {
		if got := IsValidID(tc.id); got != tc.valid {
			t.Errorf("IsValidID(%q) = %v, want %v", tc.id, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  hello\x00world  ", 100); got != "helloworld" {
		t.Errorf("got %q", got)
	}
	if got := SanitizeString("abcdef", 3); got != "abc" {
		t.Errorf("expected truncation, got %q", got)
	}
	// Truncation never splits a multi-byte rune.
	if got := SanitizeString("café", 4); got != "caf" {
		t.Errorf("expected rune-safe truncation, got %q", got)
	}
}

func TestFilterMetadata(t *testing.T) {
	in := map[string]string{
		"serviceName":   "Haircut",
		"note":          "  window seat \x00",
		"__proto__":     "x",
		"constructor":   "x",
		"prototype":     "x",
		"intent_id":     "spoofed",
		"bad key":       "x",
		"9starts_digit": "x",
		"long":          strings.Repeat("v", 600),
	}
	out := FilterMetadata(in)

	if len(out) != 3 {
		t.Fatalf("expected 3 keys to survive, got %d: %v", len(out), out)
	}
	if out["serviceName"] != "Haircut" {
		t.Errorf("serviceName lost: %v", out)
	}
	if out["note"] != "window seat" {
		t.Errorf("note not sanitized: %q", out["note"])
	}
	if len(out["long"]) != MaxMetadataValueLength {
		t.Errorf("long value not capped: %d", len(out["long"]))
	}
}

func TestFilterMetadata_KeyCap(t *testing.T) {
	in := make(map[string]string)
	for i := 0; i < 30; i++ {
		in[fmt.Sprintf("k%02d", i)] = "v"
	}
	out := FilterMetadata(in)
	if len(out) != MaxMetadataKeys {
		t.Fatalf("expected %d keys, got %d", MaxMetadataKeys, len(out))
	}
	if _, ok := out["k00"]; !ok {
		t.Error("expected lexically first keys to be kept")
	}
	if _, ok := out["k29"]; ok {
		t.Error("expected lexically last keys to be dropped")
	}
}

func TestFilterMetadata_Empty(t *testing.T) {
	if out := FilterMetadata(nil); out == nil || len(out) != 0 {
		t.Errorf("expected empty non-nil map, got %v", out)
	}
}

func TestValidateAmountAndCurrency(t *testing.T) {
	errs := Validate(
		AmountRange("amount", 49, MinChargeAmount, MaxChargeAmount),
		Currency("currency", "jpy"),
		Required("businessId", " "),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs[0].Field != "amount" {
		t.Errorf("unexpected first field %s", errs[0].Field)
	}
	if !apperr.IsKind(errs.Err(), apperr.KindValidation) {
		t.Error("expected validation kind")
	}

	ok := Validate(
		AmountRange("amount", 50, MinChargeAmount, MaxChargeAmount),
		AmountRange("amount", 1_000_000, MinChargeAmount, MaxChargeAmount),
		Currency("currency", " usd "),
		Positive("amount", 1),
	)
	if ok.Err() != nil {
		t.Errorf("expected no errors, got %v", ok)
	}
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/payments/:id", IDParamMiddleware("id"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments/pay_123", nil))
	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/payments/bad%3Bid", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(10))
	r.POST("/x", func(c *gin.Context) {
		buf := make([]byte, 100)
		_, err := c.Request.Body.Read(buf)
		if err != nil && err.Error() == "http: request body too large" {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(strings.Repeat("a", 50))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}
