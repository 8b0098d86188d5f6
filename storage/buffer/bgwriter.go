/*
Background writer.

Dirty pages written at eviction time put the write latency on the foreground
backend that just wanted a victim. The background writer runs ahead of the
clock hand instead, cleaning buffers that the sweep will reach soon, so
victims are clean by the time they are taken.

Pacing: each round estimates upcoming victim allocations (exponentially
smoothed, fast to rise and slow to fall) and how many buffers the sweep has
to pass per reusable buffer found (smoothed density), then scans just far
enough ahead to cover the estimate, capped by BgwriterLRUMaxPages. When a
round finds the pool idle — the scan has lapped the clock hand and nobody
allocated since — it reports that hibernation is fine.

for the tuning parameters see
https://www.postgresql.org/docs/current/runtime-config-resource.html#RUNTIME-CONFIG-RESOURCE-BACKGROUND-WRITER
see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L2758
*/
package buffer

import (
	"time"

	"github.com/pkg/errors"
)

// smoothing constants
const (
	// bgwSmoothingSamples is the length of the exponential moving averages
	bgwSmoothingSamples = 16.0
	// bgwScanWholePool is the target time for the scan point to circle the
	// pool even when idle
	bgwScanWholePool = 120 * time.Second
)

// syncOneBuffer outcome flags
const (
	// syncWritten: the buffer was dirty and has been flushed
	syncWritten = 1 << iota
	// syncReusable: the buffer will be reusable by the sweep (unpinned,
	// usage zero)
	syncReusable
)

// bgwriterState is the pacing memory between rounds
type bgwriterState struct {
	savedInfoValid  bool
	prevStrategyBuf uint64
	nextToClean     uint64
	smoothedAlloc   float64
	smoothedDensity float64
}

// BgBufferSync runs one background writer round on this backend.
// returns true when the caller may hibernate (lengthen its sleep) because
// the pool has gone idle.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L2758
func (b *Backend) BgBufferSync() (bool, error) {
	m := b.m
	n := uint64(len(m.descriptors))

	strategyPos, completePasses, recentAlloc := m.strategySyncStart()
	// absolute position of the clock hand, passes folded in
	strategyPoint := uint64(completePasses)*n + uint64(strategyPos)

	if m.cfg.BgwriterLRUMaxPages <= 0 {
		m.bgw.savedInfoValid = false
		return true, nil
	}

	st := &m.bgw

	// how far the sweep moved since last round, and how far our cleaning
	// point could go before lapping it
	var strategyDelta uint64
	var bufsToLap int
	if st.savedInfoValid {
		strategyDelta = strategyPoint - st.prevStrategyBuf
		if st.nextToClean < strategyPoint {
			// the sweep passed our cleaning point; everything we knew about
			// the gap is stale, skip forward and start over
			st.nextToClean = strategyPoint
			bufsToLap = int(n)
		} else if ahead := st.nextToClean - strategyPoint; ahead >= n {
			bufsToLap = 0
		} else {
			bufsToLap = int(n - ahead)
		}
	} else {
		// initializing at startup or after the LRU scan had been off
		strategyDelta = 0
		st.nextToClean = strategyPoint
		st.smoothedDensity = 10.0
		bufsToLap = int(n)
	}
	st.prevStrategyBuf = strategyPoint
	st.savedInfoValid = true

	// density: how many buffers the sweep passes per allocation it serves.
	// only meaningful when both moved.
	if strategyDelta > 0 && recentAlloc > 0 {
		scansPerAlloc := float64(strategyDelta) / float64(recentAlloc)
		st.smoothedDensity += (scansPerAlloc - st.smoothedDensity) / bgwSmoothingSamples
	}

	// estimate the reusable buffers already sitting between the sweep and
	// our cleaning point
	bufsAhead := int(n) - bufsToLap
	reusableEst := int(float64(bufsAhead) / st.smoothedDensity)

	// smoothed allocation estimate: jump up with spikes, decay slowly
	if st.smoothedAlloc <= float64(recentAlloc) {
		st.smoothedAlloc = float64(recentAlloc)
	} else {
		st.smoothedAlloc += (float64(recentAlloc) - st.smoothedAlloc) / bgwSmoothingSamples
	}
	upcomingAllocEst := int(st.smoothedAlloc * m.cfg.BgwriterLRUMultiplier)
	if upcomingAllocEst == 0 {
		// don't chase ever-smaller fractions while idle
		st.smoothedAlloc = 0
	}

	// keep circling even when idle, so dirty stragglers eventually get out
	minScan := 0
	if m.cfg.BgwriterDelay > 0 {
		minScan = int(float64(len(m.descriptors)) /
			(float64(bgwScanWholePool) / float64(m.cfg.BgwriterDelay)))
	}
	if upcomingAllocEst < minScan+reusableEst {
		upcomingAllocEst = minScan + reusableEst
	}

	// clean forward from nextToClean until we lap the sweep, cover the
	// allocation estimate, or hit the page cap
	numToScan := bufsToLap
	numWritten := 0
	reusable := reusableEst
	for numToScan > 0 && reusable < upcomingAllocEst {
		res, err := b.syncOneBuffer(int(st.nextToClean%n), true)
		if err != nil {
			return false, err
		}
		st.nextToClean++
		numToScan--
		if res&syncWritten != 0 {
			reusable++
			numWritten++
			m.countBgwWrite()
			if numWritten >= m.cfg.BgwriterLRUMaxPages {
				break
			}
		} else if res&syncReusable != 0 {
			reusable++
		}
	}

	// the scan itself was an allocation-like pass over the pool; fold its
	// density in too, halving the effective memory of the average while
	// both scans make progress
	newDelta := bufsToLap - numToScan
	newAlloc := reusable - reusableEst
	if newDelta > 0 && newAlloc > 0 {
		scansPerAlloc := float64(newDelta) / float64(newAlloc)
		st.smoothedDensity += (scansPerAlloc - st.smoothedDensity) / bgwSmoothingSamples
	}

	b.issuePendingWritebacks()

	// hibernate when we had already lapped the sweep and nobody allocated
	return bufsToLap == 0 && recentAlloc == 0, nil
}

// syncOneBuffer examines one buffer and flushes it if dirty.
// with skipRecentlyUsed, pinned or recently used buffers are left alone:
// the sweep will not take them anyway, so cleaning them buys nothing.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/backend/storage/buffer/bufmgr.c#L3061
func (b *Backend) syncOneBuffer(bufID int, skipRecentlyUsed bool) (int, error) {
	desc := b.m.descriptors[bufID]
	result := 0

	b.reservePrivateRefCountEntry()

	state := desc.lockHeader()
	if stateRefCount(state) == 0 && stateUsageCount(state) == 0 {
		result |= syncReusable
	} else if skipRecentlyUsed {
		desc.unlockHeader(state)
		return result, nil
	}
	if state&bmValid == 0 || state&bmDirty == 0 {
		// nothing to write
		desc.unlockHeader(state)
		return result, nil
	}

	b.pinBufferLocked(desc, state)
	if err := b.LockBuffer(Buffer(desc.bufID+1), BufferLockShare); err != nil {
		b.unpinBuffer(desc)
		return result, err
	}
	err := b.flushBuffer(desc)
	_ = b.LockBuffer(Buffer(desc.bufID+1), BufferLockUnlock)
	if err != nil {
		b.unpinBuffer(desc)
		return result, err
	}
	b.scheduleWriteback(desc)
	b.unpinBuffer(desc)

	return result | syncWritten, nil
}

// BackgroundWriter drives BgBufferSync on a loop with the configured delay,
// stretching the sleep while the pool is idle.
type BackgroundWriter struct {
	b    *Backend
	stop chan struct{}
}

// NewBackgroundWriter prepares a background writer on its own backend
func (m *Manager) NewBackgroundWriter() *BackgroundWriter {
	return &BackgroundWriter{
		b:    m.NewBackend(),
		stop: make(chan struct{}),
	}
}

// hibernation stretches the delay by this factor when the pool is idle
const bgwriterHibernateFactor = 50

// Run loops until Stop is called
func (bw *BackgroundWriter) Run() error {
	delay := bw.b.m.cfg.BgwriterDelay
	if delay <= 0 {
		return errors.New("background writer disabled: non-positive delay")
	}
	for {
		canHibernate, err := bw.b.BgBufferSync()
		if err != nil {
			return errors.Wrap(err, "BgBufferSync failed")
		}
		sleep := delay
		if canHibernate {
			sleep = delay * bgwriterHibernateFactor
		}
		select {
		case <-bw.stop:
			return nil
		case <-time.After(sleep):
		}
	}
}

// Stop terminates Run and detaches the writer's backend
func (bw *BackgroundWriter) Stop() {
	close(bw.stop)
	_ = bw.b.Close()
}
