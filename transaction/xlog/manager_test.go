package xlog

import (
	"testing"

	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/disk"
	"github.com/kotodb/koto/storage/page"
	"github.com/stretchr/testify/assert"
)

func TestLogFullPage(t *testing.T) {
	lm := TestingNewManager()
	p := page.NewPagePtr()

	lsn1, err := lm.LogFullPage(common.NewRelFileLocator(1), disk.ForkNumberMain, page.FirstPageID, p)
	assert.Nil(t, err)
	assert.NotEqual(t, common.InvalidWALRecordPtr, lsn1)

	lsn2, err := lm.LogFullPage(common.NewRelFileLocator(1), disk.ForkNumberMain, page.FirstPageID, p)
	assert.Nil(t, err)
	assert.True(t, lsn2 > lsn1)
}

func TestFlushWALUpTo(t *testing.T) {
	lm := TestingNewManager()
	p := page.NewPagePtr()
	lsn, err := lm.LogFullPage(common.NewRelFileLocator(1), disk.ForkNumberMain, page.FirstPageID, p)
	assert.Nil(t, err)

	assert.True(t, lm.WALNeedsFlush(lsn))

	var flushed []common.WALRecordPtr
	TestingSetOnFlush(lm, func(l common.WALRecordPtr) { flushed = append(flushed, l) })

	err = lm.FlushWALUpTo(lsn)
	assert.Nil(t, err)
	assert.False(t, lm.WALNeedsFlush(lsn))
	assert.Equal(t, []common.WALRecordPtr{lsn}, flushed)

	// flushing again is a no-op
	err = lm.FlushWALUpTo(lsn)
	assert.Nil(t, err)
	assert.Equal(t, 1, len(flushed))

	// flushing beyond the insert position is a programming error
	err = lm.FlushWALUpTo(lsn + 1<<30)
	assert.NotNil(t, err)
}
