package common

// oid is object id
// in koto, oids identify the storage objects the buffer layer cares about:
// tablespaces, databases and relations.
// see https://github.com/postgres/postgres/blob/2f47715cc8649f854b1df28dfc338af9801db217/src/include/postgres_ext.h#L28-L31
type oid uint32

// TablespaceID is tablespace oid
// a tablespace maps to a directory on disk. every relation lives in exactly one tablespace.
type TablespaceID oid

const (
	// InvalidTablespaceID is zero oid
	InvalidTablespaceID TablespaceID = 0
	// DefaultTablespaceID is the tablespace used when the caller does not care.
	// the value follows pg_default's oid in postgres.
	DefaultTablespaceID TablespaceID = 1663
)

// DatabaseID is database oid
type DatabaseID oid

const (
	// InvalidDatabaseID is zero oid
	InvalidDatabaseID DatabaseID = 0
	// DefaultDatabaseID is the database used by tests and single-database deployments
	DefaultDatabaseID DatabaseID = 1
)

// Relation is table oid
// table information is stored in system catalog and
// the oid is uniquely allocated to each table when created.
// the file path of the relation is derived from (tablespace, database, relation).
type Relation oid

// InvalidRelation is zero oid
const InvalidRelation Relation = 0
