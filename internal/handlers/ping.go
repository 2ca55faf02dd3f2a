package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/tgflow/internal/dispatch"
	"github.com/memohai/tgflow/internal/version"
)

// PingHandler reports liveness plus a cheap snapshot of the dispatcher.
type PingHandler struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
	mode       string
}

func NewPingHandler(log *slog.Logger, d *dispatch.Dispatcher, mode string) *PingHandler {
	return &PingHandler{
		logger:     log.With(slog.String("handler", "ping")),
		dispatcher: d,
		mode:       mode,
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
}

// PingResponse is returned by GET /ping.
type PingResponse struct {
	Status        string       `json:"status"`
	Version       version.Info `json:"version"`
	Mode          string       `json:"mode"`
	Draining      bool         `json:"draining"`
	Pending       int          `json:"pending"`
	Standby       int          `json:"standby"`
	Conversations int          `json:"conversations"`
}

func (h *PingHandler) Ping(c echo.Context) error {
	resp := PingResponse{Status: "ok", Version: version.Get(), Mode: h.mode}
	if h.dispatcher != nil {
		q := h.dispatcher.Queue()
		resp.Draining = q.Running()
		resp.Pending = len(q.Pending())
		resp.Standby = len(q.Standby())
		if m := h.dispatcher.Machine(); m != nil {
			resp.Conversations = m.Registry().Len()
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
