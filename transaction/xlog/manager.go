/*
xlog is the write-ahead log interface the buffer manager consumes.

The buffer manager enforces exactly one rule against this package:
WAL-before-data. Before a dirty page goes to the storage manager, WAL up to
the page's lsn must be durable, so the flush path calls FlushWALUpTo with
the page lsn it read under the buffer header lock. The ring strategies use
WALNeedsFlush to refuse evictions that would stall a bulk scan behind a
synchronous WAL flush. LogFullPage backs the hint-bit protection: setting a
hint bit on a checksummed page must be preceded by a full page image so a
torn write cannot produce a page whose checksum never existed.

see https://github.com/postgres/postgres/blob/5e7bbb528638c0f6d585bab107ec7a19e3a39deb/src/backend/storage/page/README#L36-L46
*/
package xlog

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
)

// Manager is the WAL contract consumed by the buffer manager.
type Manager interface {
	// FlushWALUpTo makes WAL durable up to lsn
	FlushWALUpTo(lsn common.WALRecordPtr) error
	// WALNeedsFlush reports whether FlushWALUpTo(lsn) would have to do work
	WALNeedsFlush(lsn common.WALRecordPtr) bool
	// LogFullPage appends a full page image record and returns its end lsn.
	// used to protect hint-bit-only changes on checksummed pages.
	LogFullPage(rel common.RelFileLocator, forkNum disk.ForkNumber, pageID page.PageID, p page.PagePtr) (common.WALRecordPtr, error)
	// IsRecovery reports whether the system is replaying WAL
	IsRecovery() bool
}

// fullPageRecordSize is the on-log footprint of one full page image record:
// a fixed header (record length, locator, fork, page id) plus the page.
const fullPageRecordSize = 32 + page.PageSize

// LogManager is the default Manager.
// Records are not retained here; the log keeps only the positions the buffer
// manager cares about (insert position and flushed position). A durable WAL
// sits below this by swapping the flush hook.
type LogManager struct {
	mu sync.Mutex
	// insertPos is the lsn at the end of the last appended record
	insertPos common.WALRecordPtr
	// flushedPos is the lsn up to which WAL is durable
	flushedPos common.WALRecordPtr
	// inRecovery is fixed at startup
	inRecovery bool

	// onFlush, when set, is called with the target lsn whenever a flush has
	// to do work. tests use it to observe WAL-before-data ordering.
	onFlush func(lsn common.WALRecordPtr)
}

var _ Manager = (*LogManager)(nil)

// NewLogManager initializes the log manager.
// the insert position starts beyond InvalidWALRecordPtr so that a real lsn
// is never mistaken for `page never logged`.
func NewLogManager(inRecovery bool) *LogManager {
	return &LogManager{
		insertPos:  common.WALRecordPtr(1),
		flushedPos: common.WALRecordPtr(1),
		inRecovery: inRecovery,
	}
}

// FlushWALUpTo makes WAL durable up to lsn
func (lm *LogManager) FlushWALUpTo(lsn common.WALRecordPtr) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lsn > lm.insertPos {
		return errors.Errorf("flush beyond insert position: flush %d, insert %d", lsn, lm.insertPos)
	}
	if lsn <= lm.flushedPos {
		// already durable
		return nil
	}
	if lm.onFlush != nil {
		lm.onFlush(lsn)
	}
	lm.flushedPos = lsn
	return nil
}

// WALNeedsFlush reports whether WAL up to lsn is not durable yet
func (lm *LogManager) WALNeedsFlush(lsn common.WALRecordPtr) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lsn > lm.flushedPos
}

// LogFullPage appends a full page image record and returns its end lsn.
// the caller stamps the returned lsn into the page so a later flush of that
// page forces this record out first.
func (lm *LogManager) LogFullPage(rel common.RelFileLocator, forkNum disk.ForkNumber, pageID page.PageID, p page.PagePtr) (common.WALRecordPtr, error) {
	if p == nil {
		return common.InvalidWALRecordPtr, errors.New("nil page")
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.insertPos += fullPageRecordSize
	return lm.insertPos, nil
}

// IsRecovery reports whether the system is replaying WAL
func (lm *LogManager) IsRecovery() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.inRecovery
}

// InsertPos returns the current insert position.
// callers that modify pages under WAL use this as the page lsn stand-in when
// they have no record of their own to stamp.
func (lm *LogManager) InsertPos() common.WALRecordPtr {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.insertPos
}

// AdvanceInsertPos pretends a record of the given size was appended and
// returns its end lsn. access methods above the buffer layer use this.
func (lm *LogManager) AdvanceInsertPos(size int) common.WALRecordPtr {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.insertPos += common.WALRecordPtr(size)
	return lm.insertPos
}
