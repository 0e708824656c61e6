// Package realtime delivers sync notifications to connected clients and the event bus.
package realtime

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
)

// =============================================================================
// Hub - per-user SSE subscriptions
// =============================================================================

const subscriberBuffer = 256

// Hub fans notifications out to every live subscription of the target user.
// Slow subscribers lose events rather than blocking the sync path.
type Hub struct {
	clients map[string]map[chan *domain.Notification]struct{}
	mu      sync.RWMutex
	log     zerolog.Logger

	seq     atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64

	heartbeat time.Duration
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients:   make(map[string]map[chan *domain.Notification]struct{}),
		log:       log.With().Str("component", "sse_hub").Logger(),
		heartbeat: 30 * time.Second,
	}
}

// Subscribe registers a new stream for userID.
func (h *Hub) Subscribe(userID string) <-chan *domain.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan *domain.Notification, subscriberBuffer)
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[chan *domain.Notification]struct{})
	}
	h.clients[userID][ch] = struct{}{}

	h.log.Debug().
		Str("user_id", userID).
		Int("connections", len(h.clients[userID])).
		Msg("client subscribed")
	return ch
}

// Unsubscribe removes and closes the stream.
func (h *Hub) Unsubscribe(userID string, ch <-chan *domain.Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	channels, ok := h.clients[userID]
	if !ok {
		return
	}
	for c := range channels {
		if c == ch {
			delete(channels, c)
			close(c)
			break
		}
	}
	if len(channels) == 0 {
		delete(h.clients, userID)
	}
	h.log.Debug().Str("user_id", userID).Msg("client unsubscribed")
}

// Notify assigns the next sequence number and pushes n to the user's streams.
// Sends happen under the read lock so Unsubscribe cannot close a channel mid-send.
func (h *Hub) Notify(_ context.Context, n *domain.Notification) error {
	n.Seq = h.seq.Add(1)
	userID := n.UserID.String()

	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.clients[userID] {
		select {
		case ch <- n:
			h.sent.Add(1)
		default:
			h.dropped.Add(1)
			h.log.Warn().
				Str("user_id", userID).
				Str("type", string(n.Type)).
				Int64("seq", n.Seq).
				Msg("dropped notification, buffer full")
		}
	}
	return nil
}

// ConnectedCount returns the number of users with at least one stream.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) HeartbeatInterval() time.Duration {
	return h.heartbeat
}

// HubStats is exposed on the readiness endpoint.
type HubStats struct {
	ConnectedUsers   int   `json:"connected_users"`
	TotalConnections int   `json:"total_connections"`
	Sent             int64 `json:"sent"`
	Dropped          int64 `json:"dropped"`
}

func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, channels := range h.clients {
		total += len(channels)
	}
	return HubStats{
		ConnectedUsers:   len(h.clients),
		TotalConnections: total,
		Sent:             h.sent.Load(),
		Dropped:          h.dropped.Load(),
	}
}

// =============================================================================
// Serialization
// =============================================================================

// EncodeEvent renders n as one SSE frame.
func EncodeEvent(n *domain.Notification) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+64)
	frame = append(frame, "id: "...)
	frame = strconv.AppendInt(frame, n.Seq, 10)
	frame = append(frame, "\nevent: "...)
	frame = append(frame, n.Type...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}

var _ out.RealtimeHub = (*Hub)(nil)
