package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.LockAttempt(true)
	c.LockAttempt(false)
	c.LockAttempt(false)
	c.Contribution("verifier")
	c.StorageFailure("copy_to_canonical")
	c.LocksReclaimed(3)
	c.Commit(time.Millisecond, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(c.lockAttempts.WithLabelValues("granted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.lockAttempts.WithLabelValues("denied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.contributions.WithLabelValues("verifier")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.storageErrors.WithLabelValues("copy_to_canonical")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.locksReclaimed))
}

func TestInstrumentAndHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	h := c.Instrument("lock", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/chunks/0/lock", nil))

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.True(t, strings.Contains(body, `ceremony_http_requests_total{code="409",handler="lock",method="post"} 1`), body)
}
