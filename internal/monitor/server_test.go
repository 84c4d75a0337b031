package monitor

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	sm := NewStatsManager()
	sm.OnSessionStart()
	sm.OnFallback(FallbackAuth)
	sm.OnBytesTransferred(10, 20)

	expected := `
# HELP trojan_fallbacks_total Sessions relayed to the fallback address
# TYPE trojan_fallbacks_total counter
trojan_fallbacks_total{reason="auth"} 1
# HELP trojan_sessions_total Total number of accepted sessions
# TYPE trojan_sessions_total counter
trojan_sessions_total 1
`
	err := testutil.CollectAndCompare(NewCollector(sm), strings.NewReader(expected),
		"trojan_fallbacks_total", "trojan_sessions_total")
	assert.NoError(t, err)
}

func TestRouter(t *testing.T) {
	sm := NewStatsManager()
	sm.OnSessionStart()
	router := NewRouter(sm)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "trojan_sessions_active 1")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
	var stats SessionStats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	assert.EqualValues(t, 1, stats.TotalSessions)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
