package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/connectivity"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/reconcile"
)

const (
	EventConnectivity = "connectivity"
	EventSync         = "sync"
	eventHeartbeat    = "heartbeat"
	eventSource       = "fieldinspect-agent"
)

// Event is pushed to every open event stream.
type Event struct {
	Type      string
	Data      any
	Timestamp time.Time
}

type connectivityPayload struct {
	Online bool `json:"online"`
}

type recordFailurePayload struct {
	LocalID string `json:"localId"`
	Error   string `json:"error"`
}

type syncResultPayload struct {
	Attempted      int                    `json:"attempted"`
	Succeeded      int                    `json:"succeeded"`
	Remaining      int                    `json:"remaining"`
	Failures       []recordFailurePayload `json:"failures"`
	AlreadyRunning bool                   `json:"alreadyRunning"`
	Offline        bool                   `json:"offline"`
}

func newSyncResultPayload(result reconcile.BatchResult) syncResultPayload {
	payload := syncResultPayload{
		Attempted:      result.Attempted,
		Succeeded:      result.Succeeded,
		Remaining:      result.Remaining(),
		Failures:       make([]recordFailurePayload, 0, len(result.Failures)),
		AlreadyRunning: result.AlreadyRunning,
		Offline:        result.Offline,
	}
	for _, failure := range result.Failures {
		message := ""
		if failure.Err != nil {
			message = failure.Err.Error()
		}
		payload.Failures = append(payload.Failures, recordFailurePayload{LocalID: failure.LocalID, Error: message})
	}
	return payload
}

// EventDispatcher fans agent events out to stream subscribers. Slow
// subscribers drop events rather than block publishers.
type EventDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*eventSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type eventSubscriber struct {
	id     int64
	stream chan Event
}

func NewEventDispatcher() *EventDispatcher {
	return &EventDispatcher{
		subscribers: make(map[int64]*eventSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

func (d *EventDispatcher) Subscribe(ctx context.Context) (<-chan Event, func()) {
	subscriber := &eventSubscriber{stream: make(chan Event, d.bufferSize)}
	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, subscriber.id)
			d.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *EventDispatcher) Publish(event Event) {
	if d == nil || event.Type == "" {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = d.clock().UTC()
	}
	d.mu.RLock()
	copies := make([]*eventSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// PublishSync announces the outcome of a reconciliation pass.
func (d *EventDispatcher) PublishSync(result reconcile.BatchResult) {
	d.Publish(Event{Type: EventSync, Data: newSyncResultPayload(result)})
}

// ForwardConnectivity republishes connectivity transitions until ctx ends.
func (d *EventDispatcher) ForwardConnectivity(ctx context.Context, signal *connectivity.Signal) {
	transitions, cleanup := signal.Subscribe(ctx)
	defer cleanup()
	for {
		select {
		case <-ctx.Done():
			return
		case transition := <-transitions:
			d.Publish(Event{
				Type:      EventConnectivity,
				Data:      connectivityPayload{Online: transition.Online},
				Timestamp: transition.At.UTC(),
			})
		}
	}
}
