package connectivity

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Provider answers whether the remote services are believed reachable.
type Provider interface {
	Online() bool
}

// Transition is published whenever the online flag changes value.
type Transition struct {
	Online bool
	At     time.Time
}

// Signal holds the last platform-reported connectivity state. The state is
// trusted as reported; no reachability probe is performed.
type Signal struct {
	online      atomic.Bool
	clock       func() time.Time
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Transition
}

// NewSignal constructs a Signal starting in the given state.
func NewSignal(initiallyOnline bool) *Signal {
	signal := &Signal{
		clock:       time.Now,
		subscribers: make(map[int64]*subscriber),
		bufferSize:  16,
	}
	signal.online.Store(initiallyOnline)
	return signal
}

// Online reports the current state.
func (s *Signal) Online() bool {
	return s.online.Load()
}

// Set records a platform online/offline notification. It reports whether the
// state changed; subscribers only hear about changes.
func (s *Signal) Set(online bool) bool {
	if s.online.Swap(online) == online {
		return false
	}
	s.publish(Transition{Online: online, At: s.clock()})
	return true
}

// Subscribe streams transitions until ctx ends or cleanup is called.
func (s *Signal) Subscribe(ctx context.Context) (<-chan Transition, func()) {
	sub := &subscriber{stream: make(chan Transition, s.bufferSize)}
	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	s.subscribers[sub.id] = sub
	s.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, sub.id)
			s.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (s *Signal) publish(transition Transition) {
	s.mu.RLock()
	copies := make([]*subscriber, 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		copies = append(copies, sub)
	}
	s.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- transition:
		default:
		}
	}
}
