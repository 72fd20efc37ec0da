package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/middleware"
	"github.com/noah-isme/gema-livechat/internal/service"
	"github.com/noah-isme/gema-livechat/internal/utils"
)

// GroupHandler exposes group creation and membership listing.
type GroupHandler struct {
	service service.GroupService
	logger  zerolog.Logger
}

func NewGroupHandler(service service.GroupService, logger zerolog.Logger) *GroupHandler {
	return &GroupHandler{
		service: service,
		logger:  logger.With().Str("component", "group_handler").Logger(),
	}
}

// Register binds the group routes.
func (h *GroupHandler) Register(router fiber.Router) {
	router.Get("/", h.list)
	router.Post("/", h.create)
}

func (h *GroupHandler) create(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthMissingToken, ""))
	}

	var req dto.GroupCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid payload")
	}

	group, err := h.service.Create(requestContext(c), userID, req)
	if err != nil {
		switch {
		case isValidationError(err), errors.Is(err, service.ErrGroupNameEmpty), errors.Is(err, service.ErrGroupMarkup):
			return utils.SendError(c, fiber.StatusBadRequest, err.Error())
		default:
			requestLogger(h.logger, c).Error().Err(err).Msg("create group failed")
			return utils.SendError(c, fiber.StatusInternalServerError, "failed to create group")
		}
	}

	return utils.SendSuccessWithStatus(c, fiber.StatusCreated, "group created", group)
}

func (h *GroupHandler) list(c *fiber.Ctx) error {
	userID := middleware.UserID(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, utils.AuthErrorMessage(utils.AuthMissingToken, ""))
	}

	groups, err := h.service.ListForUser(requestContext(c), userID)
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("list groups failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to load groups")
	}

	return utils.SendSuccess(c, "groups", groups)
}
