package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportEndpointListsRegisteredReporters(t *testing.T) {
	r, promReg := New()
	r.RegisterReporter("console", func() string { return "idle" })
	r.RegisterReporter("logger", func() string { return "3 lines/s" })

	router := r.Router(promReg)
	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "console: idle")
	assert.Contains(t, body, "logger: 3 lines/s")
}

func TestMetricsEndpointExposesBindingHits(t *testing.T) {
	r, promReg := New()
	r.BindingHits.WithLabelValues("cmd", "help").Inc()

	router := r.Router(promReg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "foxeye_binding_hits_total")
}

func TestUnregisterReporterRemovesFromReport(t *testing.T) {
	r, promReg := New()
	r.RegisterReporter("console", func() string { return "idle" })
	r.UnregisterReporter("console")

	router := r.Router(promReg)
	req := httptest.NewRequest(http.MethodGet, "/report", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.NotContains(t, rec.Body.String(), "console")
}
