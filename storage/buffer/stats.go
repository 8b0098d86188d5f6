package buffer

import (
	"sync/atomic"
	"time"
)

// Stats are the pool-wide usage counters. all fields are maintained with
// atomics; Stats() takes a snapshot.
type Stats struct {
	// SharedBlksHit counts lookups satisfied without touching the storage
	// manager
	SharedBlksHit int64
	// SharedBlksRead counts pages read from the storage manager
	SharedBlksRead int64
	// SharedBlksWritten counts pages written to the storage manager
	SharedBlksWritten int64
	// SharedBlksDirtied counts buffers dirtied for the first time since
	// their last flush
	SharedBlksDirtied int64
	// BufAllocs counts victim allocations
	BufAllocs int64
	// CheckpointWrites counts pages written by checkpoints
	CheckpointWrites int64
	// BgWriterWrites counts pages written by the background writer
	BgWriterWrites int64
	// ReadTimeNanos / WriteTimeNanos accumulate I/O latency when
	// TrackIOTiming is on
	ReadTimeNanos  int64
	WriteTimeNanos int64
}

func (m *Manager) countHit()        { atomic.AddInt64(&m.stats.SharedBlksHit, 1) }
func (m *Manager) countRead()       { atomic.AddInt64(&m.stats.SharedBlksRead, 1) }
func (m *Manager) countWritten()    { atomic.AddInt64(&m.stats.SharedBlksWritten, 1) }
func (m *Manager) countDirtied()    { atomic.AddInt64(&m.stats.SharedBlksDirtied, 1) }
func (m *Manager) countAlloc()      { atomic.AddInt64(&m.stats.BufAllocs, 1) }
func (m *Manager) countCkptWrite()  { atomic.AddInt64(&m.stats.CheckpointWrites, 1) }
func (m *Manager) countBgwWrite()   { atomic.AddInt64(&m.stats.BgWriterWrites, 1) }

// trackIO accumulates the elapsed time since start into the given counter
// when io timing is enabled. returns a no-op closure otherwise so call
// sites stay branch-free.
func (m *Manager) trackIO(counter *int64) func() {
	if !m.cfg.TrackIOTiming {
		return func() {}
	}
	start := time.Now()
	return func() {
		atomic.AddInt64(counter, int64(time.Since(start)))
	}
}

// Stats returns a snapshot of the counters
func (m *Manager) Stats() Stats {
	return Stats{
		SharedBlksHit:     atomic.LoadInt64(&m.stats.SharedBlksHit),
		SharedBlksRead:    atomic.LoadInt64(&m.stats.SharedBlksRead),
		SharedBlksWritten: atomic.LoadInt64(&m.stats.SharedBlksWritten),
		SharedBlksDirtied: atomic.LoadInt64(&m.stats.SharedBlksDirtied),
		BufAllocs:         atomic.LoadInt64(&m.stats.BufAllocs),
		CheckpointWrites:  atomic.LoadInt64(&m.stats.CheckpointWrites),
		BgWriterWrites:    atomic.LoadInt64(&m.stats.BgWriterWrites),
		ReadTimeNanos:     atomic.LoadInt64(&m.stats.ReadTimeNanos),
		WriteTimeNanos:    atomic.LoadInt64(&m.stats.WriteTimeNanos),
	}
}
