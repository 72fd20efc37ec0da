package service

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/notify"
	"github.com/noah-isme/gema-livechat/internal/store"
)

// PushTokenService registers and removes a browser's push delivery token.
type PushTokenService interface {
	Register(ctx context.Context, userID string, req dto.PushTokenRequest) error
	Unregister(ctx context.Context, userID string) error
}

type pushTokenService struct {
	registry  *notify.PushRegistry
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewPushTokenService constructs the token service.
func NewPushTokenService(s store.Store, validate *validator.Validate, logger zerolog.Logger) PushTokenService {
	logger = logger.With().Str("component", "push_token_service").Logger()
	return &pushTokenService{
		registry:  notify.NewPushRegistry(s, logger),
		validator: validate,
		logger:    logger,
	}
}

func (s *pushTokenService) Register(ctx context.Context, userID string, req dto.PushTokenRequest) error {
	if err := s.validator.Struct(req); err != nil {
		return err
	}
	if err := s.registry.Init(ctx, userID, req.Token, req.Platform); err != nil {
		return err
	}
	s.logger.Info().Str("user_id", userID).Str("platform", req.Platform).Msg("push token registered")
	return nil
}

func (s *pushTokenService) Unregister(ctx context.Context, userID string) error {
	return s.registry.Teardown(ctx, userID)
}
