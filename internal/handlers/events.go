package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/memohai/tgflow/internal/auth"
	"github.com/memohai/tgflow/internal/event"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = eventsPongWait * 9 / 10
)

// EventsHandler streams dispatcher events to admin clients over a websocket.
type EventsHandler struct {
	logger   *slog.Logger
	hub      *event.Hub
	upgrader websocket.Upgrader
}

func NewEventsHandler(log *slog.Logger, hub *event.Hub) *EventsHandler {
	return &EventsHandler{
		logger: log.With(slog.String("handler", "events")),
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Access is gated by the admin JWT, usually passed as ?token=.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *EventsHandler) Register(e *echo.Echo) {
	e.GET("/admin/events", h.Stream)
}

// Stream godoc
// @Summary Live dispatcher events
// @Description Upgrades to a websocket and sends one JSON event per message
// @Tags admin
// @Router /admin/events [get]
func (h *EventsHandler) Stream(c echo.Context) error {
	subject, err := auth.SubjectFromContext(c)
	if err != nil {
		return err
	}
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return nil
	}
	defer conn.Close()

	events, cancel := h.hub.Subscribe()
	defer cancel()
	h.logger.Info("events subscriber connected", slog.String("by", subject), slog.Int("subscribers", h.hub.Subscribers()))

	// The read side only tracks pongs and notices when the client goes away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			h.logger.Info("events subscriber disconnected", slog.String("by", subject))
			return nil
		case ev, ok := <-events:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return nil
			}
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("events write failed", slog.Any("error", err))
				return nil
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}
