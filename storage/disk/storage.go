/*
This file defines storage interface and its implementations.
We don't want to execute disk I/O in test, so it's better to use byte slice
instead of an actual file in test. For this reason, the storage interface is
defined. Possible operations with storage are read/write at an offset, sync,
get size and an advisory writeback/prefetch hint.
The implementations are:
- fileStorage: wrapper of os.File
- bufferStorage: byte slice, used in tests.
*/
package disk

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/kotodb/koto/storage/page"
)

// storage implements the operations necessary for one relation fork file.
type storage interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() (int64, error)
	Sync() error
	// Writeback hints the OS to start flushing the byte range. advisory only.
	Writeback(off int64, length int64) error
	// Prefetch hints the OS to start reading the byte range.
	// returns whether a hint was actually issued.
	Prefetch(off int64, length int64) (bool, error)
}

// fileStorage is file storage
type fileStorage struct {
	*os.File
}

// Size returns the storage's size
func (fs fileStorage) Size() (int64, error) {
	stat, err := fs.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "Stat failed")
	}
	return stat.Size(), nil
}

// Writeback is a no-op on plain files.
// sync_file_range is linux-only and an advisory hint may simply be skipped;
// the caller ignores errors anyway.
func (fs fileStorage) Writeback(off int64, length int64) error {
	return nil
}

// Prefetch is a no-op on plain files for the same reason as Writeback.
// the OS readahead usually covers sequential access already.
func (fs fileStorage) Prefetch(off int64, length int64) (bool, error) {
	return false, nil
}

// bufferStorage is in-memory storage used by tests.
type bufferStorage struct {
	mu  sync.Mutex
	buf []byte

	// hint counters, observable from tests
	nWriteback int
	nPrefetch  int
}

// newBufferStorage initializes bufferStorage
func newBufferStorage() *bufferStorage {
	return &bufferStorage{}
}

// Size returns the buffer size
func (bs *bufferStorage) Size() (int64, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return int64(len(bs.buf)), nil
}

// Sync doesn't do anything. on-memory byte slice doesn't need sync.
func (bs *bufferStorage) Sync() error {
	return nil
}

// ReadAt reads buffer at off into p
func (bs *bufferStorage) ReadAt(p []byte, off int64) (int, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	if off >= int64(len(bs.buf)) {
		return 0, errors.Errorf("read beyond end of storage: off %d, size %d", off, len(bs.buf))
	}
	n := copy(p, bs.buf[off:])
	if n != len(p) {
		return n, errors.Errorf("cannot fully read: nread %d, len %d", n, len(p))
	}
	return n, nil
}

// WriteAt writes p into buffer at off, growing the slice page by page when
// the write lands at the current end.
func (bs *bufferStorage) WriteAt(p []byte, off int64) (int, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	for int64(len(bs.buf)) < off+int64(len(p)) {
		pg := page.NewPagePtr()
		bs.buf = append(bs.buf, pg[:]...)
	}
	n := copy(bs.buf[off:], p)
	return n, nil
}

// Writeback just counts the hint
func (bs *bufferStorage) Writeback(off int64, length int64) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.nWriteback++
	return nil
}

// Prefetch just counts the hint
func (bs *bufferStorage) Prefetch(off int64, length int64) (bool, error) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.nPrefetch++
	return true, nil
}
