package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldinspect/internal/connectivity"
	"github.com/MarcoPoloResearchLab/fieldinspect/internal/reconcile"
)

func TestEventDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewEventDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.PublishSync(reconcile.BatchResult{
		Attempted: 3,
		Succeeded: 2,
		Failures:  []reconcile.RecordFailure{{LocalID: "local-2", Err: errors.New("deadline exceeded")}},
	})

	select {
	case received := <-stream:
		if received.Type != EventSync {
			t.Fatalf("expected event type %s, got %s", EventSync, received.Type)
		}
		payload, ok := received.Data.(syncResultPayload)
		if !ok || payload.Remaining != 1 || payload.Failures[0].LocalID != "local-2" {
			t.Fatalf("unexpected payload %#v", received.Data)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected publish time to be stamped")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected event within deadline")
	}
}

func TestEventDispatcherStopsAfterCleanup(t *testing.T) {
	dispatcher := NewEventDispatcher()
	stream, cleanup := dispatcher.Subscribe(context.Background())
	cleanup()

	dispatcher.Publish(Event{Type: EventConnectivity, Data: connectivityPayload{Online: true}})

	select {
	case <-stream:
		t.Fatal("did not expect events after cleanup")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestEventDispatcherForwardsConnectivityTransitions(t *testing.T) {
	dispatcher := NewEventDispatcher()
	signal := connectivity.NewSignal(false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()
	go dispatcher.ForwardConnectivity(ctx, signal)

	deadline := time.After(2 * time.Second)
	for {
		// Forwarding subscribes asynchronously; toggle until a transition is observed.
		signal.Set(!signal.Online())
		select {
		case received := <-stream:
			if received.Type != EventConnectivity {
				t.Fatalf("unexpected event %+v", received)
			}
			return
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatal("expected forwarded connectivity event")
		}
	}
}

func TestEventStreamDeliversSyncResults(t *testing.T) {
	h := newAPIHarness(t, true, nil)
	server := httptest.NewServer(h.handler)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"/api/events?access_token="+h.token, http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	type readResult struct {
		line string
		err  error
	}
	lines := make(chan readResult, 16)
	go func() {
		reader := bufio.NewReader(streamResp.Body)
		for {
			line, err := reader.ReadString('\n')
			lines <- readResult{line: line, err: err}
			if err != nil {
				return
			}
		}
	}()

	awaitEvent := func(expectedType string) string {
		currentEventType := ""
		deadline := time.After(5 * time.Second)
		for {
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for %s event", expectedType)
			case res := <-lines:
				if res.err != nil {
					t.Fatalf("failed to read stream: %v", res.err)
				}
				line := strings.TrimSpace(res.line)
				if strings.HasPrefix(line, "event:") {
					currentEventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
					continue
				}
				if strings.HasPrefix(line, "data:") && currentEventType == expectedType {
					return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				}
			}
		}
	}

	var initial connectivityPayload
	if err := json.Unmarshal([]byte(awaitEvent(EventConnectivity)), &initial); err != nil || !initial.Online {
		t.Fatalf("unexpected initial connectivity event %+v err=%v", initial, err)
	}

	if recorder := h.do(t, http.MethodPost, "/api/sync", ""); recorder.Code != http.StatusOK {
		t.Fatalf("sync failed: %d", recorder.Code)
	}
	var result syncResultPayload
	if err := json.Unmarshal([]byte(awaitEvent(EventSync)), &result); err != nil {
		t.Fatalf("failed to decode sync event: %v", err)
	}
	if result.Attempted != 0 || result.Offline {
		t.Fatalf("unexpected sync event %+v", result)
	}
}
