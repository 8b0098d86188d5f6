package xlog

import "github.com/kotodb/koto/common"

// TestingNewManager initializes a log manager not in recovery
func TestingNewManager() *LogManager {
	return NewLogManager(false)
}

// TestingNewManagerInRecovery initializes a log manager in recovery
func TestingNewManagerInRecovery() *LogManager {
	return NewLogManager(true)
}

// TestingSetOnFlush installs a hook called with the target lsn whenever a
// flush has to do work. used to observe WAL-before-data ordering.
func TestingSetOnFlush(lm *LogManager, fn func(lsn common.WALRecordPtr)) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.onFlush = fn
}
