package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Lookup("MISS", "player")
		m.Write("local", "ok", "player")
		m.PathError("redis", "get")
		m.FetchAttempt("ok")
		m.Dedupe("shared")
		m.Warm("dropped")
	})
}

func TestCountersRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Lookup("HIT-SHARED", "player")
	m.Lookup("HIT-SHARED", "player")
	m.FetchAttempt("retry")
	m.Purged("postgres", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.lookups.WithLabelValues("HIT-SHARED", "player")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchAttempts.WithLabelValues("retry")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.purged.WithLabelValues("postgres")))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "statcache_lookups_total")
	assert.Contains(t, names, "statcache_fetch_attempts_total")
}
