package trace

import (
	"context"
	"fmt"
	"sync"
)

// Log is the ordered, durable backing of the stream.
type Log interface {
	AppendEvent(ctx context.Context, evt Event) error
	Events(ctx context.Context, sessionID string, afterSeq int64) ([]Event, error)
	LastSeq(ctx context.Context, sessionID string) (int64, error)
}

// MemoryLog keeps events in process memory.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]Event
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{events: make(map[string][]Event)}
}

func (m *MemoryLog) AppendEvent(_ context.Context, evt Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.events[evt.SessionID]
	want := int64(len(list)) + 1
	if evt.Seq != want {
		return fmt.Errorf("unexpected seq for %s: got=%d want=%d", evt.SessionID, evt.Seq, want)
	}
	m.events[evt.SessionID] = append(list, evt)
	return nil
}

func (m *MemoryLog) Events(_ context.Context, sessionID string, afterSeq int64) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.events[sessionID]
	if afterSeq < 0 {
		afterSeq = 0
	}
	if afterSeq >= int64(len(list)) {
		return nil, nil
	}
	out := make([]Event, len(list)-int(afterSeq))
	copy(out, list[afterSeq:])
	return out, nil
}

func (m *MemoryLog) LastSeq(_ context.Context, sessionID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.events[sessionID])), nil
}
