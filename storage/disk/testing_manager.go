package disk

import (
	"testing"

	"github.com/kotodb/koto/storage/page"
)

// TestingNewFileManager initializes disk manager with file storage under a
// temporary directory that is removed after the test.
func TestingNewFileManager(t *testing.T) (*Manager, error) {
	return NewManager(t.TempDir())
}

// TestingNewBufferManager initializes disk manager with buffer storage
// instead of file storage. This prevents unnecessary disk I/O in tests.
func TestingNewBufferManager() (*Manager, error) {
	return &Manager{
		op:          newBufferOpener(),
		nPagesCache: make(map[forkKey]page.PageID),
	}, nil
}
