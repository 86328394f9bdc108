package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordHelpers(t *testing.T) {
	m := New("depthbook")

	m.RecordHTTPRequest("GET", "/healthz", 200, 3*time.Millisecond)
	m.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200")))

	m.RecordSnapshotStore("redis", nil, time.Millisecond)
	m.RecordSnapshotStore("redis", errors.New("down"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SnapshotStoreTotal.WithLabelValues("redis", "error")))
}

func TestHandlerExposesGaugeFunc(t *testing.T) {
	m := New("depthbook")
	require.NoError(t, m.RegisterGaugeFunc("depthbook", "queue_length", "queued commands", func() float64 { return 7 }))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "trading_depthbook_queue_length 7")
}
