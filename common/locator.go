package common

// RelFileLocator identifies the physical storage of a relation.
// (tablespace, database, relation) is enough to locate every file of the
// relation on disk; a fork number selects one of the files.
// see https://github.com/postgres/postgres/blob/8e1db29cdbbd218ab6ba53eea56624553c3bef8c/src/include/storage/relfilelocator.h#L57-L85
type RelFileLocator struct {
	Tablespace TablespaceID
	Database   DatabaseID
	Relation   Relation
}

// NewRelFileLocator builds a locator in the default tablespace/database.
// convenient for tests and single-database use.
func NewRelFileLocator(rel Relation) RelFileLocator {
	return RelFileLocator{
		Tablespace: DefaultTablespaceID,
		Database:   DefaultDatabaseID,
		Relation:   rel,
	}
}

// Compare gives a total order over locators.
// relation number is compared first since it is the most selective field.
// this matches the comparator used for sorting/binary searching locator arrays
// in the bulk drop/flush paths.
func (l RelFileLocator) Compare(o RelFileLocator) int {
	if l.Relation != o.Relation {
		if l.Relation < o.Relation {
			return -1
		}
		return 1
	}
	if l.Database != o.Database {
		if l.Database < o.Database {
			return -1
		}
		return 1
	}
	if l.Tablespace != o.Tablespace {
		if l.Tablespace < o.Tablespace {
			return -1
		}
		return 1
	}
	return 0
}
