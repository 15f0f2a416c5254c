package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Queue used by tests and single-node deployments.
// Messages stay pending until Ack'd; repeated Receive calls redeliver them,
// matching the at-least-once contract of the production backends.
type Memory struct {
	mu    sync.Mutex
	order []string
	msgs  map[string]Message
	wake  chan struct{}
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		msgs: map[string]Message{},
		wake: make(chan struct{}, 1),
	}
}

func (m *Memory) Add(ctx context.Context, groupKey string, body []byte) error {
	m.mu.Lock()
	id := uuid.NewString()
	m.msgs[id] = Message{ID: id, GroupKey: groupKey, Body: body}
	m.order = append(m.order, id)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		m.mu.Lock()
		var out []Message
		for _, id := range m.order {
			if msg, ok := m.msgs[id]; ok {
				out = append(out, msg)
				if len(out) == max {
					break
				}
			}
		}
		m.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-m.wake:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (m *Memory) Ack(ctx context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.msgs, msg.ID)
	for i, id := range m.order {
		if id == msg.ID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len reports the number of unacked messages.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.msgs)
}
