package http

import (
	"net/http"

	"confab/internal/core/domain"
	"confab/internal/core/ports"
	apperrors "confab/pkg/errors"
	"confab/pkg/logger"
	"confab/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminHandler exposes room and worker state to operators. Routes are
// expected to sit behind AuthMiddleware and RequireModerator.
type AdminHandler struct {
	rooms  ports.RoomDirectory
	closer ports.RoomCloser
	logger *zap.SugaredLogger
}

var _ ports.AdminHandler = (*AdminHandler)(nil)

func NewAdminHandler(rooms ports.RoomDirectory, closer ports.RoomCloser, logger *zap.SugaredLogger) *AdminHandler {
	return &AdminHandler{
		rooms:  rooms,
		closer: closer,
		logger: logger,
	}
}

func (h *AdminHandler) SetupRoutes(group *gin.RouterGroup) {
	group.GET("/rooms", h.ListRooms)
	group.GET("/rooms/:id", h.GetRoom)
	group.DELETE("/rooms/:id", h.CloseRoom)
	group.GET("/workers", h.ListWorkers)
}

func (h *AdminHandler) ListRooms(c *gin.Context) {
	rooms := h.rooms.Rooms()
	c.JSON(http.StatusOK, gin.H{
		"rooms": rooms,
		"count": len(rooms),
	})
}

type roomDetail struct {
	Room              *domain.RoomInfo       `json:"room"`
	Presence          []domain.PresenceEntry `json:"presence"`
	PresenceAvailable bool                   `json:"presenceAvailable"`
}

// GetRoom returns the local room state (null when this instance does not
// host it) plus the peers every instance has registered for it.
func (h *AdminHandler) GetRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	detail := roomDetail{PresenceAvailable: true}
	if info, err := h.rooms.Room(roomID); err == nil {
		detail.Room = &info
	}

	presence, err := h.rooms.RoomPresence(c.Request.Context(), roomID)
	if err != nil {
		logger.FromContext(c.Request.Context(), h.logger).Warnw("presence lookup failed", "error", err)
		detail.PresenceAvailable = false
	}
	detail.Presence = presence
	if detail.Presence == nil {
		detail.Presence = []domain.PresenceEntry{}
	}

	if detail.Room == nil && len(detail.Presence) == 0 {
		_ = c.Error(domain.ErrRoomNotFound)
		return
	}
	c.JSON(http.StatusOK, detail)
}

func (h *AdminHandler) CloseRoom(c *gin.Context) {
	roomID, ok := roomParam(c)
	if !ok {
		return
	}

	if !h.closer.CloseRoom(c.Request.Context(), roomID) {
		_ = c.Error(domain.ErrRoomNotFound)
		return
	}

	by := ""
	if v, exists := c.Get("user_id"); exists {
		if id, ok := v.(domain.UserID); ok {
			by = string(id)
		}
	}
	logger.FromContext(c.Request.Context(), h.logger).Infow("room force-closed via admin API", "by", by)
	c.Status(http.StatusNoContent)
}

func (h *AdminHandler) ListWorkers(c *gin.Context) {
	workers := h.rooms.Workers()
	live := 0
	for _, w := range workers {
		if w.Alive {
			live++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"live":    live,
	})
}

func roomParam(c *gin.Context) (domain.RoomID, bool) {
	id := c.Param("id")
	if err := validation.ValidateRoomID(id); err != nil {
		_ = c.Error(apperrors.NewInvalidRequestError(err.Error()))
		return "", false
	}
	c.Request = c.Request.WithContext(logger.WithRoomID(c.Request.Context(), id))
	return domain.RoomID(id), true
}
