package transport

import (
	"context"
	"errors"
	"sync"
)

// Mock is a scriptable in-memory transport for tests.
//
// FailFor marks recipients whose sends must fail; FailEvery fails every Nth
// send (1-based) when > 0. Sent keeps the delivered messages in order.
type Mock struct {
	mu        sync.Mutex
	Sent      []Message
	FailFor   map[string]string // recipient -> error message
	FailEvery int

	calls int
}

// ErrMockFailure is the default error for scripted failures without a message.
var ErrMockFailure = errors.New("mock transport failure")

func (m *Mock) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	if reason, ok := m.FailFor[msg.To]; ok {
		if reason == "" {
			return ErrMockFailure
		}
		return errors.New(reason)
	}
	if m.FailEvery > 0 && m.calls%m.FailEvery == 0 {
		return ErrMockFailure
	}
	m.Sent = append(m.Sent, msg)
	return nil
}

// Delivered returns a copy of everything sent so far.
func (m *Mock) Delivered() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.Sent...)
}

// Calls reports the number of Send attempts (successes and failures).
func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
