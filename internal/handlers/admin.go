package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/tgflow/internal/auth"
	"github.com/memohai/tgflow/internal/dispatch"
	"github.com/memohai/tgflow/internal/queue"
)

// AdminHandler exposes the dispatcher's queue and conversation registry.
type AdminHandler struct {
	logger     *slog.Logger
	dispatcher *dispatch.Dispatcher
}

type QueueResponse struct {
	Running bool         `json:"running"`
	Pending []queue.Info `json:"pending"`
	Standby []queue.Info `json:"standby"`
}

type PromoteAllResponse struct {
	Promoted int `json:"promoted"`
}

type ConversationItem struct {
	Key       string    `json:"key"`
	State     string    `json:"state"`
	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type ConversationsResponse struct {
	Timeout string             `json:"timeout,omitempty"`
	Items   []ConversationItem `json:"items"`
}

func NewAdminHandler(log *slog.Logger, dispatcher *dispatch.Dispatcher) *AdminHandler {
	return &AdminHandler{
		logger:     log.With(slog.String("handler", "admin")),
		dispatcher: dispatcher,
	}
}

func (h *AdminHandler) Register(e *echo.Echo) {
	group := e.Group("/admin")
	group.GET("/queue", h.GetQueue)
	group.POST("/queue/standby/promote", h.PromoteAll)
	group.POST("/queue/standby/:index/promote", h.Promote)
	group.DELETE("/queue/standby/:index", h.Discard)
	group.GET("/conversations", h.ListConversations)
}

// GetQueue godoc
// @Summary Inspect the dispatch queue
// @Tags admin
// @Success 200 {object} QueueResponse
// @Router /admin/queue [get]
func (h *AdminHandler) GetQueue(c echo.Context) error {
	if _, err := auth.SubjectFromContext(c); err != nil {
		return err
	}
	q := h.dispatcher.Queue()
	return c.JSON(http.StatusOK, QueueResponse{
		Running: q.Running(),
		Pending: nonNil(q.Pending()),
		Standby: nonNil(q.Standby()),
	})
}

// Promote godoc
// @Summary Promote one standby task
// @Description Moves the standby task at index to the end of the main list and starts draining
// @Tags admin
// @Param index path int true "Standby index"
// @Success 200 {object} queue.Info
// @Failure 400 {object} echo.HTTPError
// @Failure 404 {object} echo.HTTPError
// @Router /admin/queue/standby/{index}/promote [post]
func (h *AdminHandler) Promote(c echo.Context) error {
	subject, err := auth.SubjectFromContext(c)
	if err != nil {
		return err
	}
	index, err := parseIndex(c)
	if err != nil {
		return err
	}
	info, err := h.dispatcher.Promote(index)
	if err != nil {
		return standbyError(err)
	}
	h.logger.Info("standby task promoted", slog.String("by", subject), slog.String("task", info.Name), slog.Int("index", index))
	h.dispatcher.Flush(c.Request().Context())
	return c.JSON(http.StatusOK, info)
}

// PromoteAll godoc
// @Summary Promote every standby task
// @Tags admin
// @Success 200 {object} PromoteAllResponse
// @Router /admin/queue/standby/promote [post]
func (h *AdminHandler) PromoteAll(c echo.Context) error {
	subject, err := auth.SubjectFromContext(c)
	if err != nil {
		return err
	}
	n := h.dispatcher.PromoteAll()
	if n > 0 {
		h.logger.Info("standby tasks promoted", slog.String("by", subject), slog.Int("count", n))
		h.dispatcher.Flush(c.Request().Context())
	}
	return c.JSON(http.StatusOK, PromoteAllResponse{Promoted: n})
}

// Discard godoc
// @Summary Drop one standby task
// @Tags admin
// @Param index path int true "Standby index"
// @Success 200 {object} queue.Info
// @Failure 404 {object} echo.HTTPError
// @Router /admin/queue/standby/{index} [delete]
func (h *AdminHandler) Discard(c echo.Context) error {
	subject, err := auth.SubjectFromContext(c)
	if err != nil {
		return err
	}
	index, err := parseIndex(c)
	if err != nil {
		return err
	}
	info, err := h.dispatcher.Discard(index)
	if err != nil {
		return standbyError(err)
	}
	h.logger.Info("standby task discarded", slog.String("by", subject), slog.String("task", info.Name))
	return c.JSON(http.StatusOK, info)
}

// ListConversations godoc
// @Summary List active conversations
// @Tags admin
// @Success 200 {object} ConversationsResponse
// @Router /admin/conversations [get]
func (h *AdminHandler) ListConversations(c echo.Context) error {
	if _, err := auth.SubjectFromContext(c); err != nil {
		return err
	}
	resp := ConversationsResponse{Items: []ConversationItem{}}
	machine := h.dispatcher.Machine()
	if machine == nil {
		return c.JSON(http.StatusOK, resp)
	}
	if timeout := machine.Timeout(); timeout > 0 {
		resp.Timeout = timeout.String()
	}
	for _, entry := range machine.Registry().Snapshot() {
		resp.Items = append(resp.Items, ConversationItem{
			Key:       string(entry.Key),
			State:     string(entry.State),
			StartedAt: entry.StartedAt,
			UpdatedAt: entry.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func parseIndex(c echo.Context) (int, error) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "index must be an integer")
	}
	return index, nil
}

func standbyError(err error) error {
	if errors.Is(err, queue.ErrIndexOutOfRange) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func nonNil(items []queue.Info) []queue.Info {
	if items == nil {
		return []queue.Info{}
	}
	return items
}
