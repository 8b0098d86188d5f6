package common

// WALRecordPtr is the byte position of a WAL record, called lsn (log
// sequence number) in most of the literature.
// every page records the lsn of the last WAL record that touched it;
// the buffer manager must not write a page to disk before WAL up to that
// lsn is durable (WAL-before-data).
type WALRecordPtr uint64

// InvalidWALRecordPtr is the zero lsn. pages never modified under WAL keep it.
const InvalidWALRecordPtr WALRecordPtr = 0

// BackendID identifies one session (one worker) attached to the shared
// buffer pool. dense small integers, allocated by the buffer manager.
type BackendID int32

// InvalidBackendID is used where no backend is meant, e.g. the
// wait_backend_id field of a descriptor with no cleanup waiter.
const InvalidBackendID BackendID = -1
