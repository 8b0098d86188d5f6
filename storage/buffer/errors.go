package buffer

import "github.com/pkg/errors"

// typed errors raised by the buffer manager.
// all of them abort the caller's operation; pins and I/O claims are unwound
// by the resource owner teardown.
var (
	// ErrBadBufferID is returned when a handle fails the validity check
	ErrBadBufferID = errors.New("bad buffer id")
	// ErrCorruptPage is returned when page verification failed and the read
	// mode disallows zeroing the page
	ErrCorruptPage = errors.New("invalid page in block")
	// ErrUnexpectedDataBeyondEOF is returned when relation extension finds a
	// pre-existing buffer with non-zero contents past the end of file
	ErrUnexpectedDataBeyondEOF = errors.New("unexpected data beyond EOF")
	// ErrWriteError marks a failed storage manager write. the buffer keeps
	// its dirty bit and gets IO_ERROR set; the write is retried later.
	ErrWriteError = errors.New("could not write block")
	// ErrWalFlushError marks a failed WAL flush during a buffer flush. the
	// buffer remains dirty and the flush is aborted.
	ErrWalFlushError = errors.New("could not flush WAL")
	// ErrMultiplePinCountWaiters is a programming error: two cleanup-lock
	// waiters on one buffer
	ErrMultiplePinCountWaiters = errors.New("multiple backends attempting to wait for pincount 1")
	// ErrRelationTooLarge is returned when extension would exceed the max
	// page id
	ErrRelationTooLarge = errors.New("cannot extend relation beyond maximum page id")
	// ErrNoUnpinnedBuffers is returned when the clock sweep completed a full
	// pass without a candidate
	ErrNoUnpinnedBuffers = errors.New("no unpinned buffers available")
	// ErrBufferNotPinnedOnce is a programming error: the operation requires
	// the caller to hold exactly one pin
	ErrBufferNotPinnedOnce = errors.New("incorrect local pin count")
)
