package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/middleware"
	"github.com/noah-isme/gema-livechat/internal/notify"
	"github.com/noah-isme/gema-livechat/internal/service"
	"github.com/noah-isme/gema-livechat/internal/utils"
)

// PushHandler registers and removes push delivery tokens.
type PushHandler struct {
	service service.PushTokenService
	logger  zerolog.Logger
}

func NewPushHandler(service service.PushTokenService, logger zerolog.Logger) *PushHandler {
	return &PushHandler{
		service: service,
		logger:  logger.With().Str("component", "push_handler").Logger(),
	}
}

func (h *PushHandler) Register(router fiber.Router) {
	router.Put("/token", h.register)
	router.Delete("/token", h.unregister)
}

func (h *PushHandler) register(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthMissingToken, ""))
	}

	var req dto.PushTokenRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	if err := h.service.Register(requestContext(c), userID, req); err != nil {
		if isValidationError(err) || errors.Is(err, notify.ErrNoToken) {
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		}
		requestLogger(h.logger, c).Error().Err(err).Msg("register push token failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to register push token")
	}

	return utils.SendSuccess(c, "push token registered", nil)
}

func (h *PushHandler) unregister(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthMissingToken, ""))
	}

	if err := h.service.Unregister(requestContext(c), userID); err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("remove push token failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to remove push token")
	}

	return utils.SendSuccess(c, "push token removed", nil)
}
