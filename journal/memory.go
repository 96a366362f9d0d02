package journal

import (
	"sync"

	"github.com/filecoin-project/go-blockswap/build"
)

// MemJournal is a memory-backed journal. Useful for tests.
type MemJournal struct {
	EventTypeRegistry

	lk      sync.Mutex
	entries []*Event
}

var _ Journal = (*MemJournal)(nil)

func NewMemoryJournal(disabled DisabledEvents) *MemJournal {
	return &MemJournal{
		EventTypeRegistry: NewEventTypeRegistry(disabled),
	}
}

func (m *MemJournal) RecordEvent(evtType EventType, supplier func() interface{}) {
	if !evtType.Enabled() {
		return
	}

	entry := &Event{
		EventType: evtType,
		Timestamp: build.Clock.Now(),
		Data:      supplier(),
	}

	m.lk.Lock()
	m.entries = append(m.entries, entry)
	m.lk.Unlock()
}

// Entries returns a snapshot of the events recorded so far.
func (m *MemJournal) Entries() []*Event {
	m.lk.Lock()
	defer m.lk.Unlock()

	cpy := make([]*Event, len(m.entries))
	copy(cpy, m.entries)
	return cpy
}

// Clear drops all recorded entries.
func (m *MemJournal) Clear() {
	m.lk.Lock()
	m.entries = m.entries[:0]
	m.lk.Unlock()
}

func (m *MemJournal) Close() error {
	return nil
}
