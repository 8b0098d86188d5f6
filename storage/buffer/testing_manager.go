package buffer

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
	"github.com/kotodb/koto/transaction/xlog"
)

// TestingIORecord is one storage manager call seen by TestingSMgr
type TestingIORecord struct {
	Kind    string // "read" or "write"
	Rel     common.RelFileLocator
	ForkNum disk.ForkNumber
	PageID  page.PageID
}

// TestingSMgr wraps a disk manager and records reads/writes, so tests can
// assert on I/O counts and ordering (e.g. WAL-before-data).
type TestingSMgr struct {
	disk.SMgr

	Mu  sync.Mutex
	Log []TestingIORecord
	// Writebacks records coalesced writeback hints as (first, n) pairs
	Writebacks []struct {
		Rel     common.RelFileLocator
		ForkNum disk.ForkNumber
		First   page.PageID
		N       int
	}
	// FailReads makes the next n reads fail
	FailReads int
	// OnWrite, when set, runs before each write is forwarded
	OnWrite func(rel common.RelFileLocator, forkNum disk.ForkNumber, pageID page.PageID)
}

func (s *TestingSMgr) ReadPage(rel common.RelFileLocator, forkNum disk.ForkNumber, pageID page.PageID, p page.PagePtr) error {
	s.Mu.Lock()
	if s.FailReads > 0 {
		s.FailReads--
		s.Mu.Unlock()
		return errors.New("injected read failure")
	}
	s.Log = append(s.Log, TestingIORecord{Kind: "read", Rel: rel, ForkNum: forkNum, PageID: pageID})
	s.Mu.Unlock()
	return s.SMgr.ReadPage(rel, forkNum, pageID, p)
}

func (s *TestingSMgr) WritePage(rel common.RelFileLocator, forkNum disk.ForkNumber, pageID page.PageID, p page.PagePtr, skipFsync bool) error {
	if s.OnWrite != nil {
		s.OnWrite(rel, forkNum, pageID)
	}
	s.Mu.Lock()
	s.Log = append(s.Log, TestingIORecord{Kind: "write", Rel: rel, ForkNum: forkNum, PageID: pageID})
	s.Mu.Unlock()
	return s.SMgr.WritePage(rel, forkNum, pageID, p, skipFsync)
}

func (s *TestingSMgr) Writeback(rel common.RelFileLocator, forkNum disk.ForkNumber, firstPageID page.PageID, n int) error {
	s.Mu.Lock()
	s.Writebacks = append(s.Writebacks, struct {
		Rel     common.RelFileLocator
		ForkNum disk.ForkNumber
		First   page.PageID
		N       int
	}{rel, forkNum, firstPageID, n})
	s.Mu.Unlock()
	return s.SMgr.Writeback(rel, forkNum, firstPageID, n)
}

// Reset clears the recorded log (e.g. after seeding fixture data)
func (s *TestingSMgr) Reset() {
	s.Mu.Lock()
	s.Log = nil
	s.Writebacks = nil
	s.Mu.Unlock()
}

// Reads counts recorded reads
func (s *TestingSMgr) Reads() int { return s.countKind("read") }

// Writes counts recorded writes
func (s *TestingSMgr) Writes() int { return s.countKind("write") }

func (s *TestingSMgr) countKind(kind string) int {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	n := 0
	for _, r := range s.Log {
		if r.Kind == kind {
			n++
		}
	}
	return n
}

// TestingConfig is a small pool configuration for tests
func TestingConfig(nBuffers int) Config {
	cfg := DefaultConfig()
	cfg.NBuffers = nBuffers
	cfg.BackendFlushAfter = 0
	return cfg
}

// TestingNewManager initializes a shared buffer manager over in-memory
// storage with a small pool.
func TestingNewManager() (*Manager, error) {
	m, _, _, err := TestingNewInstrumentedManager(TestingConfig(16))
	return m, err
}

// TestingNewInstrumentedManager initializes a manager plus handles on its
// instrumented storage manager and WAL.
func TestingNewInstrumentedManager(cfg Config) (*Manager, *TestingSMgr, *xlog.LogManager, error) {
	dm, err := disk.TestingNewBufferManager()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "disk.TestingNewBufferManager failed")
	}
	sm := &TestingSMgr{SMgr: dm}
	wal := xlog.TestingNewManager()
	m := NewManager(sm, wal, cfg)
	// tests do not want warnings on stderr
	m.SetLogf(func(string, ...interface{}) {})
	return m, sm, wal, nil
}

// TestingSeedRelation fills the first n pages of the relation's main fork
// with initialized random pages directly through the storage manager.
func TestingSeedRelation(m *Manager, rel Rel, n int) error {
	for i := 0; i < n; i++ {
		pid, err := m.dm.ExtendPage(rel.Locator, disk.ForkNumberMain, false)
		if err != nil {
			return errors.Wrap(err, "dm.ExtendPage failed")
		}
		p, err := page.TestingNewRandomPage()
		if err != nil {
			return errors.Wrap(err, "TestingNewRandomPage failed")
		}
		page.SetPageChecksum(p, pid)
		if err := m.dm.WritePage(rel.Locator, disk.ForkNumberMain, pid, p, false); err != nil {
			return errors.Wrap(err, "dm.WritePage failed")
		}
	}
	return nil
}
