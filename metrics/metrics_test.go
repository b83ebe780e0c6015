package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineIsSingleton(t *testing.T) {
	assert.Same(t, Engine(), Engine())
}

func TestObserve(t *testing.T) {
	m := Engine()

	before := testutil.ToFloat64(m.votesCast.WithLabelValues("approve"))
	m.ObserveVote(true)
	assert.Equal(t, before+1, testutil.ToFloat64(m.votesCast.WithLabelValues("approve")))

	m.ObserveTransition("APPROVED", "")
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.transitions.WithLabelValues("APPROVED", "unknown")), float64(1))

	started := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.ObserveSweep(started, started.Add(2*time.Second))
	assert.Equal(t, float64(started.Add(2*time.Second).Unix()), testutil.ToFloat64(m.lastSweepTimestamp))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *EngineMetrics
	m.ObserveVote(false)
	m.ObserveTransition("REJECTED", "admin")
	m.ObserveLedgerEntry("RELEASE")
	m.ObserveSettlement("RELEASE", "FAILED")
	m.ObserveInvariantFailure("escrow_balance")
	m.ObserveSweep(time.Now(), time.Now())
}

func TestServerExposesCollectors(t *testing.T) {
	Engine().ObserveInvariantFailure("campaign_target")

	srv := NewServer("127.0.0.1:0")
	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.Nil(t, err)
	assert.Contains(t, string(body), `milestoned_invariant_failures_total{invariant="campaign_target"}`)
}
