// Package memory implements the message broker interface in process, for single binary deployments and tests.
// Messages published before a consumer exists are queued for it.
package memory

import (
	"errors"
	"sync"

	"github.com/tarancss/dapp/lib/msg"
	mtype "github.com/tarancss/dapp/lib/msg/types"
)

// ErrClosed is returned when publishing to a closed broker.
var ErrClosed = errors.New("message broker closed")

const queueSize = 256

// Memory is an in-process broker with one queue per network and direction.
type Memory struct {
	mu     sync.Mutex
	closed bool
	reqs   map[string]chan mtype.WatchReq
	eves   map[string]chan mtype.CommitEvent
	done   chan struct{}
}

var _ msg.MsgBroker = (*Memory)(nil)

// New returns an in-process broker.
func New() *Memory {
	return &Memory{
		reqs: make(map[string]chan mtype.WatchReq),
		eves: make(map[string]chan mtype.CommitEvent),
		done: make(chan struct{}),
	}
}

// Setup does nothing, queues are created on first use.
func (m *Memory) Setup() error { return nil }

// Close stops all consumers.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		m.closed = true
		close(m.done)
	}

	return nil
}

func (m *Memory) reqQueue(net string) chan mtype.WatchReq {
	q, ok := m.reqs[net]
	if !ok {
		q = make(chan mtype.WatchReq, queueSize)
		m.reqs[net] = q
	}

	return q
}

func (m *Memory) eveQueue(net string) chan mtype.CommitEvent {
	q, ok := m.eves[net]
	if !ok {
		q = make(chan mtype.CommitEvent, queueSize)
		m.eves[net] = q
	}

	return q
}

// SendRequest queues a watch request for the watcher of net.
func (m *Memory) SendRequest(net string, r mtype.WatchReq) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return ErrClosed
	}

	q := m.reqQueue(net)
	m.mu.Unlock()

	select {
	case q <- r:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// SendEvent queues a commit event for the dapp consumer of net.
func (m *Memory) SendEvent(net string, e mtype.CommitEvent) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()

		return ErrClosed
	}

	q := m.eveQueue(net)
	m.mu.Unlock()

	select {
	case q <- e:
		return nil
	case <-m.done:
		return ErrClosed
	}
}

// relay forwards queued messages to out, waiting on mut after each one the way an acknowledging broker does.
func relay[T any](q <-chan T, out chan<- T, mut *sync.Mutex, done <-chan struct{}) {
	defer close(out)

	for {
		select {
		case <-done:
			return
		case v := <-q:
			select {
			case out <- v:
			case <-done:
				return
			}

			mut.Lock()
		}
	}
}

// GetReqs returns the watch requests of net.
func (m *Memory) GetReqs(net string, mut *sync.Mutex) (<-chan mtype.WatchReq, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrClosed
	}

	out := make(chan mtype.WatchReq)
	errs := make(chan error)

	go func() {
		relay[mtype.WatchReq](m.reqQueue(net), out, mut, m.done)
		close(errs)
	}()

	return out, errs, nil
}

// GetEvents returns the commit events of net.
func (m *Memory) GetEvents(net string, mut *sync.Mutex) (<-chan mtype.CommitEvent, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nil, ErrClosed
	}

	out := make(chan mtype.CommitEvent)
	errs := make(chan error)

	go func() {
		relay[mtype.CommitEvent](m.eveQueue(net), out, mut, m.done)
		close(errs)
	}()

	return out, errs, nil
}
