package disk

import (
	"fmt"
	"path/filepath"

	"github.com/kotodb/koto/common"
)

// ForkNumber selects one of the files a relation is stored in.
// a relation has a main data file, free space map file, visibility map file
// and, for unlogged relations, an init fork that is treated like permanent
// data by the buffer manager.
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/include/common/relpath.h#L39-L60
type ForkNumber int

const (
	// InvalidForkNumber is `no fork`
	InvalidForkNumber ForkNumber = -1
	// ForkNumberMain is fork number of main(table)
	ForkNumberMain ForkNumber = iota - 1
	// ForkNumberFSM is fork number of free space map
	ForkNumberFSM
	// ForkNumberVM is fork number of visibility map
	ForkNumberVM
	// ForkNumberInit is the init fork of an unlogged relation
	ForkNumberInit
)

// MaxForkNumber is the largest valid fork number
const MaxForkNumber = ForkNumberInit

// forkFilePathSuffix is defined for file path
var forkFilePathSuffix = []string{"main", "fsm", "vm", "init"}

// getRelationForkFilePath returns file path under base directory.
// the path of each relation fork file is
//   - main table file: <base>/<tablespace>/<database>/<relation>
//   - other forks: <base>/<tablespace>/<database>/<relation>_<fork suffix>
//
// see https://github.com/postgres/postgres/blob/a448e49bcbe40fb72e1ed85af910dd216d45bad8/src/common/relpath.c#L141
func getRelationForkFilePath(baseDir string, rel common.RelFileLocator, forkNum ForkNumber) string {
	dir := filepath.Join(baseDir, fmt.Sprintf("%d", rel.Tablespace), fmt.Sprintf("%d", rel.Database))
	if forkNum == ForkNumberMain {
		return filepath.Join(dir, fmt.Sprintf("%d", rel.Relation))
	}
	return filepath.Join(dir, fmt.Sprintf("%d_%s", rel.Relation, forkFilePathSuffix[forkNum]))
}
