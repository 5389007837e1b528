package cache

import "sync/atomic"

// Stats holds the process-wide counters of a Manager. Counters only grow
// until ResetStats is called.
type Stats struct {
	hits         atomic.Int64
	misses       atomic.Int64
	sets         atomic.Int64
	deletes      atomic.Int64
	localHits    atomic.Int64
	remoteHits   atomic.Int64
	decodeErrors atomic.Int64
}

func (s *Stats) reset() {
	s.hits.Store(0)
	s.misses.Store(0)
	s.sets.Store(0)
	s.deletes.Store(0)
	s.localHits.Store(0)
	s.remoteHits.Store(0)
	s.decodeErrors.Store(0)
}

// Snapshot is a point-in-time copy of the manager counters and tier state.
type Snapshot struct {
	Hits            int64   `json:"hits"`
	Misses          int64   `json:"misses"`
	Sets            int64   `json:"sets"`
	Deletes         int64   `json:"deletes"`
	LocalHits       int64   `json:"localHits"`
	RemoteHits      int64   `json:"remoteHits"`
	RemoteErrors    int64   `json:"remoteErrors"`
	DecodeErrors    int64   `json:"decodeErrors"`
	Evictions       int64   `json:"evictions"`
	LocalSize       int     `json:"localSize"`
	LocalCapacity   int     `json:"localCapacity"`
	FallbackSize    int     `json:"fallbackSize"`
	RemoteConnected bool    `json:"remoteConnected"`
	Breaker         string  `json:"breaker"`
	HitRate         float64 `json:"hitRate"`
}

func (s *Stats) snapshot() Snapshot {
	snap := Snapshot{
		Hits:         s.hits.Load(),
		Misses:       s.misses.Load(),
		Sets:         s.sets.Load(),
		Deletes:      s.deletes.Load(),
		LocalHits:    s.localHits.Load(),
		RemoteHits:   s.remoteHits.Load(),
		DecodeErrors: s.decodeErrors.Load(),
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRate = float64(snap.Hits) / float64(total)
	}
	return snap
}
