/*
Disk manager deals with the relation files under the base directory.
This manages main table files / fsm files / vm files / init forks, addressed
by (tablespace, database, relation, fork). WAL is not managed by this
manager; it has its own append-only storage.

The implementation is based on the storage manager (smgr) layer in postgres:
see smgr README https://github.com/postgres/postgres/blob/b0a55e43299c4ea2a9a8c757f9c26352407d0ccc/src/backend/storage/smgr/README#L1

koto does not support the division of relation files into 1GB segments
(see https://github.com/postgres/postgres/blob/85d8b30724c0fd117a683cc72706f71b28463a05/src/backend/storage/smgr/md.c#L44-L80)
*/
package disk

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/page"
)

// SMgr is the contract the buffer manager consumes.
// *Manager is the real implementation; tests wrap it to observe the order
// of reads and writes.
type SMgr interface {
	// Exists reports whether the fork file exists
	Exists(rel common.RelFileLocator, forkNum ForkNumber) (bool, error)
	// Create creates the fork file if it does not exist yet
	Create(rel common.RelFileLocator, forkNum ForkNumber, isRedo bool) error
	// ReadPage reads the page into p
	ReadPage(rel common.RelFileLocator, forkNum ForkNumber, pageID page.PageID, p page.PagePtr) error
	// WritePage writes p at the page's offset. the page must already exist.
	WritePage(rel common.RelFileLocator, forkNum ForkNumber, pageID page.PageID, p page.PagePtr, skipFsync bool) error
	// ExtendPage appends one zero page and returns its page id
	ExtendPage(rel common.RelFileLocator, forkNum ForkNumber, skipFsync bool) (page.PageID, error)
	// ZeroExtend appends n zero pages starting at firstPageID.
	// firstPageID must equal the current size of the fork.
	ZeroExtend(rel common.RelFileLocator, forkNum ForkNumber, firstPageID page.PageID, n int, skipFsync bool) error
	// Writeback hints the OS to start flushing the page range. advisory only.
	Writeback(rel common.RelFileLocator, forkNum ForkNumber, firstPageID page.PageID, n int) error
	// Prefetch hints the OS to read the page ahead of time.
	// returns whether a hint was actually issued.
	Prefetch(rel common.RelFileLocator, forkNum ForkNumber, pageID page.PageID) (bool, error)
	// NPages returns the number of pages in the fork
	NPages(rel common.RelFileLocator, forkNum ForkNumber) (page.PageID, error)
	// NPagesCached returns the last known size of the fork without touching
	// the filesystem, or page.InvalidPageID when the size was never seen.
	NPagesCached(rel common.RelFileLocator, forkNum ForkNumber) page.PageID
}

// Manager manages disk
type Manager struct {
	mu sync.Mutex
	op opener
	// nPagesCache remembers the last observed size of each fork.
	// the bulk drop path uses it to choose between targeted lookups and a
	// full descriptor scan without paying an lseek per call.
	nPagesCache map[forkKey]page.PageID
}

type forkKey struct {
	rel     common.RelFileLocator
	forkNum ForkNumber
}

var _ SMgr = (*Manager)(nil)

// NewManager initializes disk manager rooted at baseDir
func NewManager(baseDir string) (*Manager, error) {
	return &Manager{
		op:          newFileOpener(baseDir),
		nPagesCache: make(map[forkKey]page.PageID),
	}, nil
}

// Exists reports whether the fork file exists
func (m *Manager) Exists(rel common.RelFileLocator, forkNum ForkNumber) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.op.exists(rel, forkNum)
}

// Create creates the fork file.
// creating a file that already exists is an error unless isRedo: replay of
// a create record may find the file already there.
func (m *Manager) Create(rel common.RelFileLocator, forkNum ForkNumber, isRedo bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ok, err := m.op.exists(rel, forkNum)
	if err != nil {
		return errors.Wrap(err, "exists failed")
	}
	if ok && !isRedo {
		return errors.Errorf("relation fork already exists: rel %d fork %d", rel.Relation, forkNum)
	}
	if _, err := m.op.open(rel, forkNum); err != nil {
		return errors.Wrap(err, "open failed")
	}
	m.nPagesCache[forkKey{rel, forkNum}] = 0
	return nil
}

// ReadPage reads the page content into p
func (m *Manager) ReadPage(rel common.RelFileLocator, forkNum ForkNumber, pageID page.PageID, p page.PagePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.op.open(rel, forkNum)
	if err != nil {
		return errors.Wrap(err, "open failed")
	}
	off := page.CalculateFileOffset(pageID)
	if _, err := st.ReadAt(p[:], off); err != nil {
		return errors.Wrap(err, "ReadAt failed")
	}
	return nil
}

// WritePage writes the page content to disk.
// fsync doesn't have to be issued per write since WAL guarantees durability;
// the checkpointer syncs the files it has written through.
func (m *Manager) WritePage(rel common.RelFileLocator, forkNum ForkNumber, pageID page.PageID, p page.PagePtr, skipFsync bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.op.open(rel, forkNum)
	if err != nil {
		return errors.Wrap(err, "open failed")
	}
	off := page.CalculateFileOffset(pageID)
	if _, err := st.WriteAt(p[:], off); err != nil {
		return errors.Wrap(err, "WriteAt failed")
	}
	if !skipFsync {
		if err := st.Sync(); err != nil {
			return errors.Wrap(err, "Sync failed")
		}
	}
	return nil
}

// ExtendPage appends one zero page and returns the new page's id
func (m *Manager) ExtendPage(rel common.RelFileLocator, forkNum ForkNumber, skipFsync bool) (page.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, err := m.nPagesLocked(rel, forkNum)
	if err != nil {
		return page.InvalidPageID, err
	}
	if err := m.zeroExtendLocked(rel, forkNum, n, 1, skipFsync); err != nil {
		return page.InvalidPageID, err
	}
	return n, nil
}

// ZeroExtend appends n zero pages starting at firstPageID
func (m *Manager) ZeroExtend(rel common.RelFileLocator, forkNum ForkNumber, firstPageID page.PageID, n int, skipFsync bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.zeroExtendLocked(rel, forkNum, firstPageID, n, skipFsync)
}

func (m *Manager) zeroExtendLocked(rel common.RelFileLocator, forkNum ForkNumber, firstPageID page.PageID, n int, skipFsync bool) error {
	st, err := m.op.open(rel, forkNum)
	if err != nil {
		return errors.Wrap(err, "open failed")
	}
	size, err := st.Size()
	if err != nil {
		return errors.Wrap(err, "Size failed")
	}
	if size != page.CalculateFileOffset(firstPageID) {
		return errors.Errorf("unexpected extension point: fork has %d bytes, extending at page %d", size, firstPageID)
	}
	zero := page.NewPagePtr()
	for i := 0; i < n; i++ {
		off := page.CalculateFileOffset(firstPageID + page.PageID(i))
		if _, err := st.WriteAt(zero[:], off); err != nil {
			return errors.Wrap(err, "WriteAt failed")
		}
	}
	if !skipFsync {
		if err := st.Sync(); err != nil {
			return errors.Wrap(err, "Sync failed")
		}
	}
	m.nPagesCache[forkKey{rel, forkNum}] = firstPageID + page.PageID(n)
	return nil
}

// Writeback passes the advisory flush hint through to the storage.
// errors of the hint itself are swallowed here: the hint is pure
// opportunism. a failure to open the fork is still returned.
func (m *Manager) Writeback(rel common.RelFileLocator, forkNum ForkNumber, firstPageID page.PageID, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.op.open(rel, forkNum)
	if err != nil {
		return errors.Wrap(err, "open failed")
	}
	_ = st.Writeback(page.CalculateFileOffset(firstPageID), int64(n)*page.PageSize)
	return nil
}

// Prefetch hints the OS to read the page ahead of time
func (m *Manager) Prefetch(rel common.RelFileLocator, forkNum ForkNumber, pageID page.PageID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.op.open(rel, forkNum)
	if err != nil {
		return false, errors.Wrap(err, "open failed")
	}
	initiated, err := st.Prefetch(page.CalculateFileOffset(pageID), page.PageSize)
	if err != nil {
		return false, errors.Wrap(err, "Prefetch failed")
	}
	return initiated, nil
}

// NPages returns the number of pages in the fork
func (m *Manager) NPages(rel common.RelFileLocator, forkNum ForkNumber) (page.PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nPagesLocked(rel, forkNum)
}

func (m *Manager) nPagesLocked(rel common.RelFileLocator, forkNum ForkNumber) (page.PageID, error) {
	st, err := m.op.open(rel, forkNum)
	if err != nil {
		return page.InvalidPageID, errors.Wrap(err, "open failed")
	}
	size, err := st.Size()
	if err != nil {
		return page.InvalidPageID, errors.Wrap(err, "Size failed")
	}
	n := page.PageID(size / page.PageSize)
	m.nPagesCache[forkKey{rel, forkNum}] = n
	return n, nil
}

// NPagesCached returns the last known size of the fork, or page.InvalidPageID
// when the fork was never measured through this manager.
func (m *Manager) NPagesCached(rel common.RelFileLocator, forkNum ForkNumber) page.PageID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.nPagesCache[forkKey{rel, forkNum}]; ok {
		return n
	}
	return page.InvalidPageID
}
