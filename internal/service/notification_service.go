package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/snapshot"
	"github.com/noah-isme/gema-livechat/internal/store"
)

// ErrNotificationNotFound is returned when the record does not exist for the user.
var ErrNotificationNotFound = errors.New("notification not found")

const defaultNotificationLimit = 50

// NotificationService reads and maintains a user's notification inbox.
type NotificationService interface {
	List(ctx context.Context, userID string, limit int) ([]dto.NotificationResponse, error)
	UnreadCount(ctx context.Context, userID string) (dto.UnreadCountResponse, error)
	MarkRead(ctx context.Context, userID, id string) (dto.NotificationResponse, error)
	Clear(ctx context.Context, userID string) error
}

type notificationService struct {
	store  store.Store
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewNotificationService constructs the inbox service over the live store.
func NewNotificationService(s store.Store, logger zerolog.Logger) NotificationService {
	return &notificationService{
		store:  s,
		logger: logger.With().Str("component", "notification_service").Logger(),
		tracer: otel.Tracer("github.com/noah-isme/gema-livechat/internal/service/notification"),
	}
}

func inboxPath(userID string) string {
	return "users/" + userID + "/notifications"
}

func (s *notificationService) load(ctx context.Context, userID string) ([]models.NotificationRecord, error) {
	snap, err := s.store.Get(ctx, inboxPath(userID))
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}

	result, err := snapshot.DecodeDescending[models.NotificationRecord](snap.Raw, snapshot.WithSchema(snapshot.NotificationSchema))
	if err != nil {
		return nil, fmt.Errorf("decode inbox: %w", err)
	}
	for _, skipped := range result.Skipped {
		s.logger.Warn().Err(skipped.Err).Str("user_id", userID).Str("key", skipped.Key).Msg("skipping malformed notification")
	}
	return result.Items, nil
}

func (s *notificationService) List(ctx context.Context, userID string, limit int) ([]dto.NotificationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "notifications.list", trace.WithAttributes(attribute.String("notification.user_id", userID)))
	defer span.End()

	if limit <= 0 || limit > 200 {
		limit = defaultNotificationLimit
	}

	records, err := s.load(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "list failed")
		return nil, err
	}
	if len(records) > limit {
		records = records[:limit]
	}
	span.SetAttributes(attribute.Int("notification.count", len(records)))

	return dto.NewNotificationResponseSlice(records), nil
}

func (s *notificationService) UnreadCount(ctx context.Context, userID string) (dto.UnreadCountResponse, error) {
	ctx, span := s.tracer.Start(ctx, "notifications.unread", trace.WithAttributes(attribute.String("notification.user_id", userID)))
	defer span.End()

	records, err := s.load(ctx, userID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "count failed")
		return dto.UnreadCountResponse{}, err
	}

	unread := 0
	for _, record := range records {
		if !record.Read {
			unread++
		}
	}
	return dto.UnreadCountResponse{Unread: unread}, nil
}

func (s *notificationService) MarkRead(ctx context.Context, userID, id string) (dto.NotificationResponse, error) {
	ctx, span := s.tracer.Start(ctx, "notifications.mark_read", trace.WithAttributes(
		attribute.String("notification.user_id", userID),
		attribute.String("notification.id", id),
	))
	defer span.End()

	id = strings.TrimSpace(id)
	if id == "" || strings.Contains(id, "/") {
		return dto.NotificationResponse{}, ErrNotificationNotFound
	}

	path := inboxPath(userID) + "/" + id
	snap, err := s.store.Get(ctx, path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return dto.NotificationResponse{}, fmt.Errorf("read notification: %w", err)
	}
	if !snap.Exists() {
		return dto.NotificationResponse{}, ErrNotificationNotFound
	}

	var record models.NotificationRecord
	if err := snap.Decode(&record); err != nil {
		return dto.NotificationResponse{}, fmt.Errorf("decode notification: %w", err)
	}
	record.ID = id

	if !record.Read {
		if err := s.store.Set(ctx, path+"/read", true); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "write failed")
			return dto.NotificationResponse{}, fmt.Errorf("mark notification read: %w", err)
		}
		record.Read = true
	}

	return dto.NewNotificationResponse(record), nil
}

func (s *notificationService) Clear(ctx context.Context, userID string) error {
	ctx, span := s.tracer.Start(ctx, "notifications.clear", trace.WithAttributes(attribute.String("notification.user_id", userID)))
	defer span.End()

	if err := s.store.Remove(ctx, inboxPath(userID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "clear failed")
		return fmt.Errorf("clear inbox: %w", err)
	}
	s.logger.Info().Str("user_id", userID).Msg("notification inbox cleared")
	return nil
}
