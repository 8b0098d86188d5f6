package page

import (
	"crypto/rand"

	"github.com/pkg/errors"
)

// TestingNewRandomPage returns an initialized page whose free space is
// filled with random bytes. handy for flush/read round trip tests.
func TestingNewRandomPage() (PagePtr, error) {
	p := NewPagePtr()
	InitializePage(p, 0)
	lower := GetLowerOffset(p)
	upper := GetUpperOffset(p)
	if _, err := rand.Read(p[lower:upper]); err != nil {
		return nil, errors.Wrap(err, "rand.Read failed")
	}
	return p, nil
}
