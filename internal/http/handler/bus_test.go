package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edirooss/evbus/internal/dispatcher"
	"github.com/edirooss/evbus/internal/repo/repotest"
	"github.com/edirooss/evbus/internal/service"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	d := dispatcher.New(zap.NewNop(), repotest.NewMemBroker(), repotest.NewMemKV(), nil, dispatcher.Options{Prefix: "t-"})
	t.Cleanup(func() { _ = d.Close() })
	svc := service.NewSummaryService(zap.NewNop(), d, service.SummaryOptions{})
	h := NewBusHandler(zap.NewNop(), d, svc)

	r := gin.New()
	r.GET("/api/incomers", h.GetIncomers)
	r.GET("/api/transactions", h.GetTransactions)
	r.GET("/api/summary", h.GetSummary)
	return r
}

func TestGetIncomersEmptyRegistry(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/incomers", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-Total-Count"))
	assert.JSONEq(t, "{}", w.Body.String())
}

func TestGetTransactionsShape(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/transactions", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body, "dispatcher")
	assert.Contains(t, body, "backupDispatcher")
	assert.Contains(t, body, "backupIncomer")
}

func TestGetSummaryHeaders(t *testing.T) {
	r := newTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/summary", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.NotEmpty(t, w.Header().Get("X-Summary-Generated-At"))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/summary", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))

	var sum service.BusSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.False(t, sum.Active)
	assert.Zero(t, sum.Incomers)
}
