package buffer

import (
	"github.com/kotodb/koto/common"
	"github.com/kotodb/koto/storage/page"
)

// Buffer is the handle callers hold on a slot of the shared pool.
// handles are the dense descriptor index plus one, so that the zero value is
// never a live buffer. negative values are reserved for a session-local
// buffer manager.
type Buffer int32

// InvalidBuffer is the zero Buffer
const InvalidBuffer Buffer = 0

// bufferIsValid is the cheap handle check; it does not say anything about
// the state of the slot.
func (m *Manager) bufferIsValid(buf Buffer) bool {
	return buf > InvalidBuffer && int(buf) <= len(m.descriptors)
}

// descOf maps a handle to its descriptor. callers must have validated the
// handle.
func (m *Manager) descOf(buf Buffer) *descriptor {
	return m.descriptors[buf-1]
}

// GetPage returns the page payload of the buffer.
// the caller must hold a pin, and a content lock in the right mode for what
// it is about to do with the bytes.
func (m *Manager) GetPage(buf Buffer) page.PagePtr {
	return m.pages[buf-1]
}

// Rel identifies a relation to the buffer manager: where its files live and
// whether its buffers survive a crash. unlogged relations skip WAL and are
// only written at shutdown checkpoints, except for their init fork.
type Rel struct {
	Locator  common.RelFileLocator
	Unlogged bool
}

// NewRel builds a permanent relation in the default tablespace/database
func NewRel(rel common.Relation) Rel {
	return Rel{Locator: common.NewRelFileLocator(rel)}
}
