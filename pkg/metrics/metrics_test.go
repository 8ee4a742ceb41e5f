package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.SetLive(3)
	m.SessionCreated()
	m.SessionCreated()
	m.SessionEvicted("idle")
	m.Interaction("ok", 2*time.Second)
	m.Launch("base", nil)
	m.Launch("isolated", errors.New("boom"))
	m.Recovery(true)
	m.Recovery(false)
	m.AuthTransition("logged_out", "logged_in")
	m.ProfilesRemoved(2)
	m.ProfilesRemoved(0)

	assert.Equal(t, 3.0, testutil.ToFloat64(m.SessionsLive))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.SessionsCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsEvicted.WithLabelValues("idle")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Interactions.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Launches.WithLabelValues("isolated", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recoveries.WithLabelValues("failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuthTransitions.WithLabelValues("logged_out", "logged_in")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProfilesDeleted))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetLive(1)
		m.SessionCreated()
		m.SessionEvicted("idle")
		m.Interaction("ok", time.Second)
		m.Launch("base", nil)
		m.Recovery(true)
		m.AuthTransition("a", "b")
		m.ProfilesRemoved(1)
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.SessionCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "notebook_bridge_sessions_created_total 1"))
}
