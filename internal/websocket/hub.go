// Package websocket implements the live dispatcher: per-poll channels of
// connected viewers receiving slot updates, vote updates, and viewer counts.
package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/tallyhq/tally-backend/logger"
	"github.com/tallyhq/tally-backend/types"
)

// SendBuffer bounds each subscriber's queue; on overflow the oldest queued
// message is dropped so slow viewers never stall the channel.
const SendBuffer = 32

// HubConfig contains tuning knobs for the Hub.
type HubConfig struct {
	PingInterval time.Duration
	WriteTimeout time.Duration
}

// DefaultHubConfig returns the defaults: pings at least every 30 seconds.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval: 30 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Subscriber is one connected viewer on a poll channel. It owns its queue;
// the hub only ever performs non-blocking sends into it.
type Subscriber struct {
	ID     string
	PollID string

	events chan types.Event
	closed bool
	mu     sync.Mutex
}

// Events returns the subscriber's receive channel.
func (s *Subscriber) Events() <-chan types.Event {
	return s.events
}

// Hub keys channels by poll ID. Both the public and the admin token resolve
// to the same poll, so both address the same logical channel, and admin
// viewers stay subscribed even if the public token is rotated.
type Hub struct {
	log    *zap.SugaredLogger
	config HubConfig

	mu       sync.RWMutex
	channels map[string]map[*Subscriber]bool

	connGauge prometheus.Gauge
}

func NewHub(cfg HubConfig) *Hub {
	return NewHubWithRegistry(cfg, prometheus.DefaultRegisterer)
}

func NewHubWithRegistry(cfg HubConfig, reg prometheus.Registerer) *Hub {
	h := &Hub{
		log:      logger.GetLogger().Named("ws_hub"),
		config:   cfg,
		channels: make(map[string]map[*Subscriber]bool),
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tally_ws_subscribers",
			Help: "Connected live viewers across all poll channels",
		}),
	}
	if reg != nil {
		reg.MustRegister(h.connGauge)
	}
	return h
}

// Config exposes the hub tuning to the transport handler.
func (h *Hub) Config() HubConfig {
	return h.config
}

// Subscribe attaches a new viewer to a poll channel and broadcasts the
// updated viewer count.
func (h *Hub) Subscribe(pollID string) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.New().String(),
		PollID: pollID,
		events: make(chan types.Event, SendBuffer),
	}

	h.mu.Lock()
	ch, ok := h.channels[pollID]
	if !ok {
		ch = make(map[*Subscriber]bool)
		h.channels[pollID] = ch
	}
	ch[sub] = true
	count := len(ch)
	h.mu.Unlock()

	h.connGauge.Inc()
	h.broadcastViewerCount(pollID, count)
	return sub
}

// Unsubscribe detaches a viewer, closes its queue, and broadcasts the new
// viewer count. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	ch, ok := h.channels[sub.PollID]
	if !ok || !ch[sub] {
		h.mu.Unlock()
		return
	}
	delete(ch, sub)
	count := len(ch)
	if count == 0 {
		delete(h.channels, sub.PollID)
	}
	h.mu.Unlock()

	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.events)
	}
	sub.mu.Unlock()

	h.connGauge.Dec()
	if count > 0 {
		h.broadcastViewerCount(sub.PollID, count)
	}
}

// Publish implements events.LocalSink: FIFO per channel, drop-oldest per
// subscriber on overflow.
func (h *Hub) Publish(pollID string, event types.Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.channels[pollID]))
	for sub := range h.channels[pollID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.send(sub, event)
	}
}

// ViewerCount returns the current subscriber count of a channel.
func (h *Hub) ViewerCount(pollID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[pollID])
}

func (h *Hub) send(sub *Subscriber, event types.Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	select {
	case sub.events <- event:
	default:
		// Queue full: drop the oldest message, then enqueue.
		select {
		case <-sub.events:
			h.log.Debugw("Dropped oldest event for slow viewer",
				"pollId", sub.PollID, "subscriber", sub.ID)
		default:
		}
		select {
		case sub.events <- event:
		default:
		}
	}
}

func (h *Hub) broadcastViewerCount(pollID string, count int) {
	payload, err := json.Marshal(types.ViewerCountPayload{Viewers: count})
	if err != nil {
		return
	}
	h.Publish(pollID, types.Event{
		ID:        uuid.New().String(),
		Type:      types.EventTypeViewerCount,
		PollID:    pollID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
