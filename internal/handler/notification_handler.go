package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/middleware"
	"github.com/noah-isme/gema-livechat/internal/service"
	"github.com/noah-isme/gema-livechat/internal/utils"
)

// NotificationHandler serves the notification inbox.
type NotificationHandler struct {
	service service.NotificationService
	logger  zerolog.Logger
}

// NewNotificationHandler constructs a handler instance.
func NewNotificationHandler(service service.NotificationService, logger zerolog.Logger) *NotificationHandler {
	return &NotificationHandler{
		service: service,
		logger:  logger.With().Str("component", "notification_handler").Logger(),
	}
}

// Register binds the notification routes.
func (h *NotificationHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Get("/unread", h.unread)
	router.Patch("/:id/read", h.markRead)
	router.Delete("/", h.clear)
}

func (h *NotificationHandler) list(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthMissingToken, ""))
	}

	limit, err := parseQueryInt(c, "limit")
	if err != nil || limit < 0 {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid limit")
	}

	items, err := h.service.List(requestContext(c), userID, limit)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("list notifications failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load notifications")
	}

	return utils.SendSuccess(c, "notifications", items)
}

func (h *NotificationHandler) unread(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthMissingToken, ""))
	}

	count, err := h.service.UnreadCount(requestContext(c), userID)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("count notifications failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to count notifications")
	}

	return utils.SendSuccess(c, "unread notifications", count)
}

func (h *NotificationHandler) markRead(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthMissingToken, ""))
	}

	item, err := h.service.MarkRead(requestContext(c), userID, c.Params("id"))
	if err != nil {
		if errors.Is(err, service.ErrNotificationNotFound) {
			return utils.SendError(c, fiber.StatusNotFound, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("mark notification read failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to update notification")
	}

	return utils.SendSuccess(c, "notification marked as read", item)
}

func (h *NotificationHandler) clear(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthMissingToken, ""))
	}

	if err := h.service.Clear(requestContext(c), userID); err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("clear notifications failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to clear notifications")
	}

	return utils.SendSuccess(c, "notifications cleared", nil)
}
