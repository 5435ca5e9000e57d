package nvm

import "sync/atomic"

// Stats is a point-in-time snapshot of manager activity.
type Stats struct {
	LiveRegions  uint64 // regions reachable from the root
	LiveBytes    uint64 // payload bytes of live regions
	AllocCount   uint64 // regions allocated (incl. resize targets)
	FreeCount    uint64 // regions destroyed
	ResizeCount  uint64 // byte-level region moves
	PersistCount uint64 // flush calls issued
	PersistBytes uint64 // bytes covered by flush calls
}

type statCounters struct {
	liveRegions  atomic.Int64
	liveBytes    atomic.Int64
	allocs       atomic.Uint64
	frees        atomic.Uint64
	resizes      atomic.Uint64
	persists     atomic.Uint64
	persistBytes atomic.Uint64
}

// Stats returns a snapshot of the counters. Individual fields are loaded
// independently; the snapshot is not a consistent cut across concurrent
// operations.
func (m *Manager) Stats() Stats {
	return Stats{
		LiveRegions:  uint64(m.stats.liveRegions.Load()),
		LiveBytes:    uint64(m.stats.liveBytes.Load()),
		AllocCount:   m.stats.allocs.Load(),
		FreeCount:    m.stats.frees.Load(),
		ResizeCount:  m.stats.resizes.Load(),
		PersistCount: m.stats.persists.Load(),
		PersistBytes: m.stats.persistBytes.Load(),
	}
}
