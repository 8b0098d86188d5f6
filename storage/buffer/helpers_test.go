package buffer

import (
	"github.com/pkg/errors"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
	"github.com/kotodb/koto/transaction/xlog"
)

// recoveringWAL wraps a log manager and pretends replay is running
type recoveringWAL struct {
	xlog.Manager
}

func (recoveringWAL) IsRecovery() bool { return true }

// failingWriteSMgr fails the next n writes
type failingWriteSMgr struct {
	disk.SMgr
	failures int
}

func (s *failingWriteSMgr) WritePage(rel common.RelFileLocator, forkNum disk.ForkNumber, pageID page.PageID, p page.PagePtr, skipFsync bool) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("injected write failure")
	}
	return s.SMgr.WritePage(rel, forkNum, pageID, p, skipFsync)
}

// hugeSMgr reports an arbitrary fork size
type hugeSMgr struct {
	disk.SMgr
	n page.PageID
}

func (s *hugeSMgr) NPages(rel common.RelFileLocator, forkNum disk.ForkNumber) (page.PageID, error) {
	return s.n, nil
}
