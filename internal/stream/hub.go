// Package stream distributes reconciled state to presentation layers.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"chainsync/internal/models"
)

// HubConfig holds configuration for the state hub.
type HubConfig struct {
	// BufferSize is the size of the internal publish buffer.
	BufferSize int
	// SubscriberBufferSize is the size of each subscriber's channel buffer.
	SubscriberBufferSize int
}

// DefaultHubConfig returns the default hub configuration.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		BufferSize:           64,
		SubscriberBufferSize: 16,
	}
}

// Hub fans SyncState copies out to subscribers. Publishing never blocks:
// when a buffer is full the oldest queued state is discarded, so a slow
// subscriber skips intermediate states but always converges on the latest.
type Hub struct {
	config      HubConfig
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	stateChan   chan models.SyncState
	done        chan struct{}
	started     bool
	stopped     bool
	last        *models.SyncState

	// Metrics
	statesReceived  uint64
	statesBroadcast uint64
	statesDropped   uint64
	metricsMu       sync.RWMutex
}

// Subscriber represents a channel subscriber with metadata.
type Subscriber struct {
	ID           string
	Channel      chan models.SyncState
	DroppedCount int
	CreatedAt    time.Time
}

// NewHub creates a new hub with default configuration.
func NewHub() *Hub {
	return NewHubWithConfig(DefaultHubConfig())
}

// NewHubWithConfig creates a new hub with custom configuration.
func NewHubWithConfig(config HubConfig) *Hub {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultHubConfig().BufferSize
	}
	if config.SubscriberBufferSize <= 0 {
		config.SubscriberBufferSize = DefaultHubConfig().SubscriberBufferSize
	}
	return &Hub{
		config:      config,
		subscribers: make(map[string]*Subscriber),
		stateChan:   make(chan models.SyncState, config.BufferSize),
		done:        make(chan struct{}),
	}
}

// Start begins the hub's distribution loop.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	h.mu.Unlock()

	go h.broadcastLoop(ctx)
	return nil
}

func (h *Hub) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Stop()
			return
		case <-h.done:
			return
		case state := <-h.stateChan:
			h.metricsMu.Lock()
			h.statesReceived++
			h.metricsMu.Unlock()

			h.broadcast(state)
		}
	}
}

// Stop stops the hub and closes all subscriber channels.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return
	}
	h.stopped = true
	close(h.done)

	for id, sub := range h.subscribers {
		close(sub.Channel)
		delete(h.subscribers, id)
	}
}

// Subscribe adds a subscriber and returns a channel of state copies. The
// most recently broadcast state, if any, is delivered first.
func (h *Hub) Subscribe() <-chan models.SyncState {
	return h.SubscribeWithID("")
}

// SubscribeWithID adds a subscriber with a specific ID.
func (h *Hub) SubscribeWithID(id string) <-chan models.SyncState {
	if id == "" {
		id = uuid.NewString()
	}
	ch := make(chan models.SyncState, h.config.SubscriberBufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		close(ch)
		return ch
	}
	if old, ok := h.subscribers[id]; ok {
		close(old.Channel)
	}
	h.subscribers[id] = &Subscriber{
		ID:        id,
		Channel:   ch,
		CreatedAt: time.Now(),
	}
	if h.last != nil {
		ch <- h.last.Clone()
	}

	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (h *Hub) Unsubscribe(ch <-chan models.SyncState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, sub := range h.subscribers {
		if sub.Channel == ch {
			close(sub.Channel)
			delete(h.subscribers, id)
			return
		}
	}
}

// Publish hands a state to the hub for distribution. It never blocks.
func (h *Hub) Publish(state models.SyncState) {
	if offerLatest(h.stateChan, state) {
		h.metricsMu.Lock()
		h.statesDropped++
		h.metricsMu.Unlock()
	}
}

// broadcast sends a state to every subscriber. The lock is held for the
// sends so Stop and Unsubscribe cannot close a channel mid-send.
func (h *Hub) broadcast(state models.SyncState) {
	h.mu.Lock()
	defer h.mu.Unlock()

	last := state.Clone()
	h.last = &last

	for _, sub := range h.subscribers {
		dropped := offerLatest(sub.Channel, state.Clone())
		h.metricsMu.Lock()
		h.statesBroadcast++
		if dropped {
			sub.DroppedCount++
			h.statesDropped++
		}
		h.metricsMu.Unlock()
	}
}

// offerLatest sends v without blocking, evicting the oldest queued value
// when ch is full. It reports whether a value was lost. Callers must be
// the only sender on ch.
func offerLatest(ch chan models.SyncState, v models.SyncState) bool {
	select {
	case ch <- v:
		return false
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
	return true
}

// GetSubscriberCount returns the number of subscribers.
func (h *Hub) GetSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// GetMetrics returns hub metrics.
func (h *Hub) GetMetrics() HubMetrics {
	subscribers := h.GetSubscriberCount()

	h.metricsMu.RLock()
	defer h.metricsMu.RUnlock()

	return HubMetrics{
		StatesReceived:  h.statesReceived,
		StatesBroadcast: h.statesBroadcast,
		StatesDropped:   h.statesDropped,
		Subscribers:     subscribers,
	}
}

// HubMetrics contains hub performance metrics.
type HubMetrics struct {
	StatesReceived  uint64
	StatesBroadcast uint64
	StatesDropped   uint64
	Subscribers     int
}
