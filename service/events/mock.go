package events

import (
	"context"
	"sync"
)

// MockPublisher records published events for tests.
type MockPublisher struct {
	mu       sync.Mutex
	Events   []*StateChangeEvent
	FailWith error
}

// NewMockPublisher creates a mock publisher.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{}
}

func (m *MockPublisher) PublishStateChange(ctx context.Context, event *StateChangeEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWith != nil {
		return m.FailWith
	}
	m.Events = append(m.Events, event)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

// Published returns a copy of all recorded events.
func (m *MockPublisher) Published() []*StateChangeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*StateChangeEvent, len(m.Events))
	copy(out, m.Events)
	return out
}
