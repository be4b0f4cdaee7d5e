package metrics

import (
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{402, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// Gauges are exported at zero; vectors appear after first observation.
	for _, name := range []string{"paycore_held_escrows", "paycore_reconcile_drift_total"} {
		if !strings.Contains(w.Body.String(), name) {
			t.Errorf("expected metrics output to contain %s", name)
		}
	}

	ProcessorCallsTotal.WithLabelValues("refund", "ok").Inc()

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), "paycore_processor_calls_total") {
		t.Error("expected paycore_processor_calls_total after incrementing")
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/v1/payments/:id", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/payments/:id", "2xx"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/payments/pay_123", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/v1/payments/:id", "2xx"))
	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestMiddleware_ObservesDuration(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.POST("/v1/payments/:id/capture", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	count := func() uint64 {
		obs := HTTPRequestDuration.WithLabelValues("POST", "/v1/payments/:id/capture")
		var m dto.Metric
		if err := obs.(prometheus.Metric).Write(&m); err != nil {
			t.Fatalf("write metric: %v", err)
		}
		return m.GetHistogram().GetSampleCount()
	}

	before := count()
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/payments/pay_1/capture", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/v1/payments/pay_2/capture", nil))
	if got := count(); got != before+2 {
		t.Errorf("expected 2 new samples, got %d -> %d", before, got)
	}
}

func TestRegisterDB_Idempotent(t *testing.T) {
	db, err := sql.Open("postgres", "postgres://paycore@localhost:1/none?sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := RegisterDB(db); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := RegisterDB(db); err != nil {
		t.Fatalf("second register: %v", err)
	}

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(w.Body.String(), `go_sql_max_open_connections{db_name="paycore"}`) {
		t.Error("expected pool metrics for the paycore database")
	}
}
