package http

import (
	"bufio"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"mailsync_server/adapter/out/realtime"
	"mailsync_server/pkg/response"
)

// =============================================================================
// SSE Handler
// =============================================================================

// SSEHandler streams a user's sync notifications as Server-Sent Events.
type SSEHandler struct {
	hub *realtime.Hub
	log zerolog.Logger
}

func NewSSEHandler(hub *realtime.Hub, log zerolog.Logger) *SSEHandler {
	return &SSEHandler{
		hub: hub,
		log: log.With().Str("handler", "sse").Logger(),
	}
}

func (h *SSEHandler) Register(app fiber.Router) {
	app.Get("/events", h.Stream)
	app.Get("/events/status", h.Status)
}

// Stream handles SSE connections.
func (h *SSEHandler) Stream(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return response.Unauthorized(c, "unauthorized")
	}

	userIDStr := userID.String()
	events := h.hub.Subscribe(userIDStr)
	heartbeat := h.hub.HeartbeatInterval()

	h.log.Info().
		Str("user_id", userIDStr).
		Msg("SSE client connected")

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("Transfer-Encoding", "chunked")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		defer func() {
			h.hub.Unsubscribe(userIDStr, events)
			h.log.Info().
				Str("user_id", userIDStr).
				Msg("SSE client disconnected")
		}()

		w.WriteString("event: connected\n")
		w.WriteString("data: {\"status\":\"connected\"}\n\n")
		if err := w.Flush(); err != nil {
			return
		}

		for {
			select {
			case n, ok := <-events:
				if !ok {
					return
				}
				frame, err := realtime.EncodeEvent(n)
				if err != nil {
					h.log.Error().Err(err).Str("type", string(n.Type)).Msg("failed to encode event")
					continue
				}
				w.Write(frame)
				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during write")
					return
				}

			case <-ticker.C:
				w.WriteString(": heartbeat\n\n")
				if err := w.Flush(); err != nil {
					h.log.Debug().Err(err).Msg("client disconnected during heartbeat")
					return
				}
			}
		}
	})

	return nil
}

// Status reports the hub's connection counters.
func (h *SSEHandler) Status(c *fiber.Ctx) error {
	userID, err := GetUserID(c)
	if err != nil {
		return response.Unauthorized(c, "unauthorized")
	}
	return response.OK(c, fiber.Map{
		"user_id": userID.String(),
		"hub":     h.hub.Stats(),
	})
}
