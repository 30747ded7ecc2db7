package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/exo-hmi/hmi/internal/config"
)

// threadSafeResponseWriter captures SSE events in a thread-safe way
type threadSafeResponseWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	headers http.Header
}

func newThreadSafeResponseWriter() *threadSafeResponseWriter {
	return &threadSafeResponseWriter{
		headers: make(http.Header),
	}
}

func (w *threadSafeResponseWriter) Header() http.Header {
	return w.headers
}

func (w *threadSafeResponseWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(data)
}

func (w *threadSafeResponseWriter) WriteHeader(statusCode int) {}

func (w *threadSafeResponseWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestNewHub(t *testing.T) {
	cfg := config.LoadTimingBaseline()
	hub := NewHub(cfg)
	defer hub.Stop()

	if hub.clients == nil || hub.deviceIDs == nil || hub.buffers == nil {
		t.Fatal("Hub maps not initialized")
	}
	if hub.config != cfg {
		t.Error("Hub config not set correctly")
	}
}

func TestHubPublishDeviceBuffers(t *testing.T) {
	hub := NewHub(config.LoadTimingBaseline())
	defer hub.Stop()

	if err := hub.PublishDevice("exo-01", Event{Type: EventTelemetry, Data: map[string]interface{}{"errorCode": 0}}); err != nil {
		t.Fatalf("PublishDevice() failed: %v", err)
	}

	hub.mu.RLock()
	buffer, exists := hub.buffers["exo-01"]
	hub.mu.RUnlock()

	if !exists {
		t.Fatal("Event buffer not created for device")
	}
	if buffer.GetSize() != 1 {
		t.Errorf("Expected 1 event in buffer, got %d", buffer.GetSize())
	}

	// Device-less events are not buffered.
	_ = hub.Publish(Event{Type: EventHeartbeat})
	hub.mu.RLock()
	n := len(hub.buffers)
	hub.mu.RUnlock()
	if n != 1 {
		t.Errorf("Expected only the device buffer, got %d buffers", n)
	}
}

func TestEventBufferCapacity(t *testing.T) {
	buffer := NewEventBuffer(5, 0)

	for i := 0; i < 7; i++ {
		buffer.AddEvent(Event{Type: "test", Data: map[string]interface{}{"index": i}})
	}

	if buffer.GetSize() != 5 {
		t.Errorf("Expected buffer size 5, got %d", buffer.GetSize())
	}
	events := buffer.GetEventsAfter(0)
	if len(events) != 5 || events[0].ID != 3 || events[4].ID != 7 {
		t.Errorf("Expected IDs 3..7, got %+v", events)
	}
}

func TestEventBufferRetention(t *testing.T) {
	buffer := NewEventBuffer(10, 20*time.Millisecond)
	buffer.AddEvent(Event{Type: "old"})
	time.Sleep(40 * time.Millisecond)
	buffer.AddEvent(Event{Type: "new"})

	events := buffer.GetEventsAfter(0)
	if len(events) != 1 || events[0].Type != "new" {
		t.Errorf("Expected only the fresh event, got %+v", events)
	}
}

func TestEventIDsMonotonicPerDevice(t *testing.T) {
	hub := NewHub(config.LoadTimingBaseline())
	defer hub.Stop()

	var last = map[string]int64{}
	for i := 0; i < 20; i++ {
		for _, dev := range []string{"exo-01", "exo-02"} {
			id := hub.getNextEventID(dev)
			if id <= last[dev] {
				t.Fatalf("Device %s: ID %d not greater than %d", dev, id, last[dev])
			}
			last[dev] = id
		}
	}
	if last["exo-01"] != 20 || last["exo-02"] != 20 {
		t.Errorf("Expected independent counters, got %v", last)
	}
}

func TestEventIDGenerationRace(t *testing.T) {
	hub := NewHub(config.LoadTimingBaseline())
	defer hub.Stop()

	var wg sync.WaitGroup
	ids := make(chan int64, 1000)
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ids <- hub.getNextEventID("exo-01")
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[int64]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("Duplicate event ID %d", id)
		}
		seen[id] = true
	}
}

func TestHubSubscribeSSE(t *testing.T) {
	hub := NewHub(config.LoadTimingBaseline())
	defer hub.Stop()
	hub.SetSnapshot(func() map[string]interface{} {
		return map[string]interface{}{"link": "connected"}
	})

	req := httptest.NewRequest("GET", "/telemetry", nil)
	w := newThreadSafeResponseWriter()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- hub.Subscribe(ctx, w, req)
	}()

	waitFor(t, func() bool { return hub.ClientCount() == 1 })

	_ = hub.PublishDevice("exo-01", Event{
		Type: EventFault,
		Data: map[string]interface{}{"faults": []string{"ERROR_4_LS_EXT_UP"}},
	})

	waitFor(t, func() bool { return strings.Contains(w.String(), "event: fault") })

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	response := w.String()
	if !strings.Contains(response, "event: ready") || !strings.Contains(response, `"link":"connected"`) {
		t.Errorf("Expected ready event with snapshot, got %s", response)
	}
	if !strings.Contains(response, "ERROR_4_LS_EXT_UP") {
		t.Errorf("Expected fault payload, got %s", response)
	}
	if w.Header().Get("Content-Type") != "text/event-stream; charset=utf-8" {
		t.Error("Content-Type header not set correctly")
	}

	waitFor(t, func() bool { return hub.ClientCount() == 0 })
}

func TestHubHeartbeat(t *testing.T) {
	cfg := config.LoadTimingBaseline()
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.HeartbeatJitter = 2 * time.Millisecond

	hub := NewHub(cfg)
	defer hub.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := hub.Attach(ctx, "")
	defer hub.Detach(c)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events:
			if ev.Type == EventHeartbeat {
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat received")
		}
	}
}

func TestHubReplayWithLastEventID(t *testing.T) {
	hub := NewHub(config.LoadTimingBaseline())
	defer hub.Stop()

	for i := 1; i <= 10; i++ {
		_ = hub.PublishDevice("exo-01", Event{Type: EventTelemetry, Data: map[string]interface{}{"index": i}})
	}

	req := httptest.NewRequest("GET", "/telemetry?device=exo-01", nil)
	req.Header.Set("Last-Event-ID", "5")
	w := newThreadSafeResponseWriter()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := hub.Subscribe(ctx, w, req); err != nil {
		t.Fatalf("Subscribe() failed: %v", err)
	}

	response := w.String()
	for id := 6; id <= 10; id++ {
		if !strings.Contains(response, fmt.Sprintf("id: %d\n", id)) {
			t.Errorf("Expected replayed event %d", id)
		}
	}
	if strings.Contains(response, `"index":5`) {
		t.Error("Event 5 must not be replayed")
	}
}

func TestHubDeviceFilter(t *testing.T) {
	hub := NewHub(config.LoadTimingBaseline())
	defer hub.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := hub.Attach(ctx, "exo-02")
	defer hub.Detach(c)
	<-c.Events // ready

	_ = hub.PublishDevice("exo-01", Event{Type: EventTelemetry})
	_ = hub.PublishDevice("exo-02", Event{Type: EventCommand})

	select {
	case ev := <-c.Events:
		if ev.Device != "exo-02" || ev.Type != EventCommand {
			t.Errorf("Expected exo-02 command event, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubSlowClientDoesNotBlock(t *testing.T) {
	hub := NewHub(config.LoadTimingBaseline())
	defer hub.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := hub.Attach(ctx, "")
	defer hub.Detach(c)

	start := time.Now()
	for i := 0; i < clientQueueSize*2; i++ {
		_ = hub.Publish(Event{Type: EventTelemetry})
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Publish blocked on a slow client for %v", elapsed)
	}
	if hub.Dropped() == 0 {
		t.Error("Expected dropped deliveries for a full queue")
	}
}

func TestHubDetachThenPublish(t *testing.T) {
	hub := NewHub(config.LoadTimingBaseline())
	defer hub.Stop()

	c := hub.Attach(context.Background(), "")
	hub.Detach(c)
	hub.Detach(c)

	if err := hub.Publish(Event{Type: EventTelemetry}); err != nil {
		t.Fatalf("Publish after detach: %v", err)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("Expected 0 clients, got %d", hub.ClientCount())
	}
}

func TestHubStopIdempotent(t *testing.T) {
	hub := NewHub(config.LoadTimingBaseline())
	c := hub.Attach(context.Background(), "")

	hub.Stop()
	hub.Stop()

	if c.Context.Err() == nil {
		t.Error("Expected client context cancelled on Stop")
	}
	if err := hub.Publish(Event{Type: EventTelemetry}); err != nil {
		t.Errorf("Publish after Stop should be a no-op, got %v", err)
	}
}
