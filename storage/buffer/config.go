package buffer

import "time"

// IODirectFlags selects which I/O bypasses the OS cache. when data files do,
// prefetch and writeback hints are pointless and get disabled.
type IODirectFlags uint32

const (
	// IODirectData means relation data files use direct I/O
	IODirectData IODirectFlags = 1 << iota
	// IODirectWAL means WAL uses direct I/O
	IODirectWAL
)

// Config enumerates the runtime options of the buffer manager.
// all fields are fixed once NewManager has run.
type Config struct {
	// NBuffers is the size of the shared buffer pool in pages
	// (shared_buffers). fixed at startup.
	NBuffers int

	// ChecksumsEnabled turns on checksum-on-write and the full-page-image
	// protection of hint bit updates
	ChecksumsEnabled bool

	// ZeroDamagedPages makes a failed page verification zero the page with a
	// warning instead of raising ErrCorruptPage
	ZeroDamagedPages bool

	// BgwriterDelay is the sleep between background writer rounds
	BgwriterDelay time.Duration
	// BgwriterLRUMaxPages caps the pages written per bgwriter round.
	// 0 disables the LRU scan.
	BgwriterLRUMaxPages int
	// BgwriterLRUMultiplier scales the smoothed allocation estimate into the
	// cleaning target
	BgwriterLRUMultiplier float64

	// CheckpointCompletionTarget spreads checkpoint writes over this
	// fraction of the checkpoint interval. consumed by the throttle hook.
	CheckpointCompletionTarget float64

	// writeback thresholds: pending-flush list capacity per writer kind.
	// 0 disables writeback hints for that writer.
	CheckpointFlushAfter int
	BgwriterFlushAfter   int
	BackendFlushAfter    int

	// prefetch depth for normal and maintenance work
	EffectiveIOConcurrency   int
	MaintenanceIOConcurrency int

	// TrackIOTiming makes read/write timing accumulate into Stats
	TrackIOTiming bool

	// IODirect disables prefetch and writeback hints when data files use
	// direct I/O
	IODirect IODirectFlags
}

// DefaultConfig returns the defaults, mirroring the stock postgres settings
// where one exists.
func DefaultConfig() Config {
	return Config{
		NBuffers:                   1024,
		ChecksumsEnabled:           true,
		ZeroDamagedPages:           false,
		BgwriterDelay:              200 * time.Millisecond,
		BgwriterLRUMaxPages:        100,
		BgwriterLRUMultiplier:      2.0,
		CheckpointCompletionTarget: 0.9,
		CheckpointFlushAfter:       32,
		BgwriterFlushAfter:         64,
		BackendFlushAfter:          0,
		EffectiveIOConcurrency:     1,
		MaintenanceIOConcurrency:   10,
	}
}

// prefetchDisabled reports whether prefetch hints should be skipped
func (c Config) prefetchDisabled() bool {
	return c.IODirect&IODirectData != 0 || c.EffectiveIOConcurrency <= 0
}

// writebackDisabled reports whether writeback hints should be skipped
func (c Config) writebackDisabled() bool {
	return c.IODirect&IODirectData != 0
}
