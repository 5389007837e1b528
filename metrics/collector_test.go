package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/agentuity/querycache/cache"
	"github.com/agentuity/querycache/dedupe"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector(t *testing.T) {
	report := Report{
		Cache: cache.Snapshot{
			Hits:            7,
			Misses:          3,
			LocalSize:       2,
			RemoteConnected: true,
			Breaker:         "CLOSED",
		},
		Dedupe: dedupe.Stats{Executions: 4},
	}
	c := NewCollector("querycache", func() Report { return report })

	expected := `
# HELP querycache_cache_hits_total Cache hits in any tier
# TYPE querycache_cache_hits_total counter
querycache_cache_hits_total 7
# HELP querycache_cache_local_entries Entries in the local tier
# TYPE querycache_cache_local_entries gauge
querycache_cache_local_entries 2
# HELP querycache_cache_remote_connected 1 when the remote store is connected
# TYPE querycache_cache_remote_connected gauge
querycache_cache_remote_connected 1
# HELP querycache_cache_breaker_open 1 when the remote circuit breaker is not closed
# TYPE querycache_cache_breaker_open gauge
querycache_cache_breaker_open 0
# HELP querycache_dedupe_executions_total Computations actually run
# TYPE querycache_dedupe_executions_total counter
querycache_dedupe_executions_total 4
`
	require.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected),
		"querycache_cache_hits_total",
		"querycache_cache_local_entries",
		"querycache_cache_remote_connected",
		"querycache_cache_breaker_open",
		"querycache_dedupe_executions_total",
	))

	report.Cache.Hits = 9
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(`
# HELP querycache_cache_hits_total Cache hits in any tier
# TYPE querycache_cache_hits_total counter
querycache_cache_hits_total 9
`), "querycache_cache_hits_total"), "every scrape reads the source again")
	assert.Equal(t, 27, testutil.CollectAndCount(c), "one series per descriptor, histogram empty")
}

func TestObserveQuery(t *testing.T) {
	c := NewCollector("qc", func() Report { return Report{} })
	c.ObserveQuery(OutcomeHit, time.Millisecond)
	c.ObserveQuery(OutcomeComputed, time.Second)

	reg := prometheus.NewPedanticRegistry()
	require.NoError(t, reg.Register(c))
	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "qc_query_duration_seconds" {
			found = true
			assert.Len(t, f.GetMetric(), 2)
		}
	}
	assert.True(t, found)
}
