/*
This file defines opener interface and its implementations.
Opener opens the storage backing one relation fork. The implementations are:
- fileOpener: open and return file.
- bufferOpener: open and return byte slice. this is intended to be used in test.
*/
package disk

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/kotodb/koto/common"
)

// opener opens storage
type opener interface {
	open(common.RelFileLocator, ForkNumber) (storage, error)
	exists(common.RelFileLocator, ForkNumber) (bool, error)
}

// fileOpener opens files under a base directory
type fileOpener struct {
	baseDir string
	// cache file descriptors after open the files
	st map[string]storage
}

// newFileOpener initializes fileOpener
func newFileOpener(baseDir string) *fileOpener {
	return &fileOpener{
		baseDir: baseDir,
		st:      make(map[string]storage),
	}
}

// open opens and returns the specified relation fork file under base directory
func (fo *fileOpener) open(rel common.RelFileLocator, forkNum ForkNumber) (storage, error) {
	filePath := getRelationForkFilePath(fo.baseDir, rel, forkNum)
	// when file descriptor is cached, just return it
	st, ok := fo.st[filePath]
	if ok {
		return st, nil
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return nil, errors.Wrap(err, "os.MkdirAll failed")
	}
	fd, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0700)
	if err != nil {
		return nil, errors.Wrap(err, "os.OpenFile failed")
	}
	// cache file descriptor when open the file
	fo.st[filePath] = fileStorage{fd}
	return fileStorage{fd}, nil
}

// exists reports whether the fork file exists without creating it
func (fo *fileOpener) exists(rel common.RelFileLocator, forkNum ForkNumber) (bool, error) {
	filePath := getRelationForkFilePath(fo.baseDir, rel, forkNum)
	if _, ok := fo.st[filePath]; ok {
		return true, nil
	}
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "os.Stat failed")
	}
	return true, nil
}

// bufferOpener opens in-memory buffers
type bufferOpener struct {
	st map[string]storage
}

// newBufferOpener initializes bufferOpener
func newBufferOpener() *bufferOpener {
	return &bufferOpener{
		st: make(map[string]storage),
	}
}

// open returns specified buffer
func (bo *bufferOpener) open(rel common.RelFileLocator, forkNum ForkNumber) (storage, error) {
	path := getRelationForkFilePath("", rel, forkNum)
	buf, ok := bo.st[path]
	if ok {
		return buf, nil
	}
	buf = newBufferStorage()
	bo.st[path] = buf
	return buf, nil
}

// exists reports whether the buffer has been opened before
func (bo *bufferOpener) exists(rel common.RelFileLocator, forkNum ForkNumber) (bool, error) {
	path := getRelationForkFilePath("", rel, forkNum)
	_, ok := bo.st[path]
	return ok, nil
}
