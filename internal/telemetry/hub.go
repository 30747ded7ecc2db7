package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/exo-hmi/hmi/internal/config"
)

// Event types published by the container.
const (
	EventReady     = "ready"
	EventHeartbeat = "heartbeat"
	EventTelemetry = "telemetry"
	EventFault     = "fault"
	EventLink      = "link"
	EventCommand   = "command"
	EventGraph     = "graph"
)

// clientQueueSize bounds per-client backlog; at 20Hz this is five seconds.
const clientQueueSize = 100

// Event represents a telemetry event with SSE formatting.
type Event struct {
	ID     int64                  `json:"id,omitempty"`
	Type   string                 `json:"type"`
	Data   map[string]interface{} `json:"data"`
	Device string                 `json:"device,omitempty"`
}

// SnapshotFunc returns the state sent to a client in its ready event.
type SnapshotFunc func() map[string]interface{}

// Client represents a connected SSE or WebSocket client.
type Client struct {
	ID      string
	Writer  http.ResponseWriter
	Context context.Context
	Cancel  context.CancelFunc
	LastID  int64
	Device  string
	Events  chan Event
	once    sync.Once
	mu      sync.Mutex // Protect Writer access
}

// Hub manages telemetry distribution with per-device buffering.
//
// LOCK ORDERING:
// 1. h.mu (Hub's RWMutex) - protects clients, deviceIDs, buffers maps
// 2. EventBuffer.mu (per-buffer mutex) - protects individual buffer state
// 3. Client.once (sync.Once) - ensures single channel close
type Hub struct {
	mu        sync.RWMutex
	clients   map[string]*Client
	deviceIDs map[string]*int64 // Monotonic event IDs per device (atomic counters)

	buffers map[string]*EventBuffer

	config   *config.TimingConfig
	snapshot SnapshotFunc

	heartbeatTicker *time.Ticker
	stopHeartbeat   chan bool

	dropped atomic.Uint64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// EventBuffer maintains a bounded buffer of events for one device.
type EventBuffer struct {
	mu        sync.RWMutex
	events    []bufferedEvent
	capacity  int
	retention time.Duration
	nextID    int64
}

type bufferedEvent struct {
	event Event
	added time.Time
}

// NewHub creates a new telemetry hub with the specified configuration.
func NewHub(timingConfig *config.TimingConfig) *Hub {
	return &Hub{
		clients:   make(map[string]*Client),
		deviceIDs: make(map[string]*int64),
		buffers:   make(map[string]*EventBuffer),
		config:    timingConfig,
		done:      make(chan struct{}),
	}
}

// SetSnapshot installs the provider of the ready-event snapshot.
func (h *Hub) SetSnapshot(fn SnapshotFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.snapshot = fn
}

// Subscribe handles SSE client subscription with Last-Event-ID resume support.
// It blocks until the client disconnects or the hub stops.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Headers", "Cache-Control")

	lastEventID := int64(0)
	if lastIDStr := r.Header.Get("Last-Event-ID"); lastIDStr != "" {
		if id, err := strconv.ParseInt(lastIDStr, 10, 64); err == nil {
			lastEventID = id
		}
	}

	client := h.register(ctx, w, r.URL.Query().Get("device"), lastEventID)

	if err := h.sendEventToClient(client, h.readyEvent(client)); err != nil {
		h.unregisterClient(client.ID)
		return fmt.Errorf("failed to send ready event: %w", err)
	}

	if lastEventID > 0 {
		if err := h.replayEvents(client, lastEventID); err != nil {
			h.unregisterClient(client.ID)
			return fmt.Errorf("failed to replay events: %w", err)
		}
	}

	h.handleClient(client)
	return nil
}

// Attach registers a client without an HTTP writer. The caller drains
// client.Events and must call Detach when done. The ready event is queued
// first.
func (h *Hub) Attach(ctx context.Context, device string) *Client {
	client := h.register(ctx, nil, device, 0)
	client.Events <- h.readyEvent(client)
	return client
}

// Detach removes a client registered with Attach and closes its channel.
func (h *Hub) Detach(client *Client) {
	h.unregisterClient(client.ID)
	client.once.Do(func() {
		close(client.Events)
	})
}

func (h *Hub) register(ctx context.Context, w http.ResponseWriter, device string, lastID int64) *Client {
	clientCtx, cancel := context.WithCancel(ctx)
	client := &Client{
		ID:      uuid.NewString(),
		Writer:  w,
		Context: clientCtx,
		Cancel:  cancel,
		LastID:  lastID,
		Device:  device,
		Events:  make(chan Event, clientQueueSize),
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	if h.heartbeatTicker == nil {
		h.startHeartbeat()
	}
	h.mu.Unlock()

	return client
}

// Publish publishes an event to all connected clients. Clients whose queue is
// full miss the event; the publisher never blocks.
func (h *Hub) Publish(event Event) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if event.ID == 0 {
		event.ID = h.getNextEventID(event.Device)
	}

	if event.Device != "" {
		h.bufferEvent(event)
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		if client.Device == "" || event.Device == "" || client.Device == event.Device {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range clients {
		if client.Context.Err() != nil {
			continue
		}
		h.deliver(client, event)
	}

	return nil
}

// deliver queues without blocking. A recover guards the window where a
// detached client's channel closes between the snapshot and the send.
func (h *Hub) deliver(client *Client, event Event) {
	defer func() {
		if recover() != nil {
			h.dropped.Add(1)
		}
	}()
	select {
	case client.Events <- event:
	default:
		h.dropped.Add(1)
	}
}

// PublishDevice publishes an event for a specific device.
func (h *Hub) PublishDevice(deviceID string, event Event) error {
	event.Device = deviceID
	return h.Publish(event)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many deliveries were skipped for slow clients.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *Hub) readyEvent(client *Client) Event {
	h.mu.RLock()
	fn := h.snapshot
	h.mu.RUnlock()

	snapshot := map[string]interface{}{}
	if fn != nil {
		snapshot = fn()
	}
	return Event{
		ID:   h.getNextEventID(client.Device),
		Type: EventReady,
		Data: map[string]interface{}{
			"clientId": client.ID,
			"snapshot": snapshot,
		},
	}
}

// replayEvents replays buffered events for a client based on Last-Event-ID.
func (h *Hub) replayEvents(client *Client, lastEventID int64) error {
	h.mu.RLock()
	buffer, exists := h.buffers[client.Device]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	for _, event := range buffer.GetEventsAfter(lastEventID) {
		if err := h.sendEventToClient(client, event); err != nil {
			return err
		}
	}

	return nil
}

// sendEventToClient sends a single event to a client via SSE.
func (h *Hub) sendEventToClient(client *Client, event Event) error {
	client.mu.Lock()
	defer client.mu.Unlock()

	if event.ID > 0 {
		if _, err := fmt.Fprintf(client.Writer, "id: %d\n", event.ID); err != nil {
			return fmt.Errorf("failed to write event ID: %w", err)
		}
	}
	if _, err := fmt.Fprintf(client.Writer, "event: %s\n", event.Type); err != nil {
		return fmt.Errorf("failed to write event type: %w", err)
	}

	data, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if _, err := fmt.Fprintf(client.Writer, "data: %s\n\n", string(data)); err != nil {
		return fmt.Errorf("failed to write event data: %w", err)
	}

	if flusher, ok := client.Writer.(http.Flusher); ok {
		flusher.Flush()
	}

	return nil
}

// handleClient writes queued events until the client goes away.
func (h *Hub) handleClient(client *Client) {
	defer func() {
		h.unregisterClient(client.ID)
		client.once.Do(func() {
			close(client.Events)
		})
	}()

	for {
		select {
		case <-client.Context.Done():
			return
		case <-h.done:
			return
		case event, ok := <-client.Events:
			if !ok {
				return
			}
			if err := h.sendEventToClient(client, event); err != nil {
				return
			}
		}
	}
}

// unregisterClient removes a client from the hub.
func (h *Hub) unregisterClient(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	client, exists := h.clients[clientID]
	if !exists {
		return
	}
	client.Cancel()
	delete(h.clients, clientID)

	if len(h.clients) == 0 && h.heartbeatTicker != nil {
		h.heartbeatTicker.Stop()
		h.heartbeatTicker = nil
		if h.stopHeartbeat != nil {
			close(h.stopHeartbeat)
			h.stopHeartbeat = nil
		}
	}
}

// getNextEventID returns the next monotonic event ID for a device.
func (h *Hub) getNextEventID(deviceID string) int64 {
	if deviceID == "" {
		deviceID = "global"
	}

	h.mu.RLock()
	counter, exists := h.deviceIDs[deviceID]
	h.mu.RUnlock()

	if exists {
		return atomic.AddInt64(counter, 1)
	}

	h.mu.Lock()
	// Double-check: another goroutine might have created it
	counter, exists = h.deviceIDs[deviceID]
	if !exists {
		var initial int64
		counter = &initial
		h.deviceIDs[deviceID] = counter
	}
	h.mu.Unlock()

	return atomic.AddInt64(counter, 1)
}

// bufferEvent adds an event to the per-device buffer.
//
// EventBuffer references are never removed from h.buffers, so the buffer may
// be used after releasing h.mu.
func (h *Hub) bufferEvent(event Event) {
	h.mu.Lock()
	buffer, exists := h.buffers[event.Device]
	if !exists {
		buffer = NewEventBuffer(h.config.EventBufferSize, h.config.EventBufferRetention)
		h.buffers[event.Device] = buffer
	}
	h.mu.Unlock()

	buffer.AddEvent(event)
}

// startHeartbeat starts the heartbeat ticker. Caller must hold h.mu.
func (h *Hub) startHeartbeat() {
	interval := h.config.HeartbeatInterval
	jitter := h.config.HeartbeatJitter

	// Offset by half the jitter so co-located containers do not align.
	actualInterval := interval + time.Duration(float64(jitter)*0.5)

	h.heartbeatTicker = time.NewTicker(actualInterval)
	h.stopHeartbeat = make(chan bool)

	ticker := h.heartbeatTicker
	stopChan := h.stopHeartbeat

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ticker.C:
				h.sendHeartbeat()
			case <-stopChan:
				return
			case <-h.done:
				return
			}
		}
	}()
}

// sendHeartbeat sends a heartbeat event to all clients.
func (h *Hub) sendHeartbeat() {
	_ = h.Publish(Event{
		Type: EventHeartbeat,
		Data: map[string]interface{}{
			"ts": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// Done is closed once Stop has run.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Stop stops the hub and disconnects every client. Idempotent.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		for _, client := range h.clients {
			client.Cancel()
		}
		if h.heartbeatTicker != nil {
			h.heartbeatTicker.Stop()
			h.heartbeatTicker = nil
		}
		if h.stopHeartbeat != nil {
			close(h.stopHeartbeat)
			h.stopHeartbeat = nil
		}
		h.mu.Unlock()

		done := make(chan struct{})
		go func() {
			h.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}

		h.mu.Lock()
		h.clients = make(map[string]*Client)
		h.mu.Unlock()
	})
}

// NewEventBuffer creates an event buffer. A zero retention keeps events until
// they are evicted by capacity.
func NewEventBuffer(capacity int, retention time.Duration) *EventBuffer {
	return &EventBuffer{
		events:    make([]bufferedEvent, 0, capacity),
		capacity:  capacity,
		retention: retention,
		nextID:    1,
	}
}

// AddEvent adds an event to the buffer.
func (b *EventBuffer) AddEvent(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if event.ID == 0 {
		event.ID = b.nextID
		b.nextID++
	}

	b.events = append(b.events, bufferedEvent{event: event, added: time.Now()})

	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
}

// GetEventsAfter returns retained events after the specified ID.
func (b *EventBuffer) GetEventsAfter(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var cutoff time.Time
	if b.retention > 0 {
		cutoff = time.Now().Add(-b.retention)
	}

	var result []Event
	for _, be := range b.events {
		if be.event.ID > lastID && be.added.After(cutoff) {
			result = append(result, be.event)
		}
	}

	return result
}

// GetCapacity returns the buffer capacity.
func (b *EventBuffer) GetCapacity() int {
	return b.capacity
}

// GetSize returns the current buffer size.
func (b *EventBuffer) GetSize() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
