package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-livechat/internal/dto"
	"github.com/noah-isme/gema-livechat/internal/models"
	"github.com/noah-isme/gema-livechat/internal/store"
)

var (
	// ErrGroupNameEmpty is returned for blank names.
	ErrGroupNameEmpty = errors.New("group name is empty")
	// ErrGroupMarkup is returned when the name or description carries HTML markup.
	ErrGroupMarkup = errors.New("group name and description must be plain text")
)

// GroupService creates groups and lists the caller's memberships.
type GroupService interface {
	Create(ctx context.Context, creatorID string, req dto.GroupCreateRequest) (dto.GroupResponse, error)
	ListForUser(ctx context.Context, userID string) ([]dto.GroupResponse, error)
}

type groupService struct {
	store     store.Store
	validator *validator.Validate
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewGroupService constructs a group service.
func NewGroupService(s store.Store, validate *validator.Validate, logger zerolog.Logger) GroupService {
	return &groupService{
		store:     s,
		validator: validate,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "group_service").Logger(),
		tracer:    otel.Tracer("github.com/noah-isme/gema-livechat/internal/service/group"),
		now:       time.Now,
	}
}

func (s *groupService) Create(ctx context.Context, creatorID string, req dto.GroupCreateRequest) (dto.GroupResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.GroupResponse{}, err
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return dto.GroupResponse{}, ErrGroupNameEmpty
	}
	description := strings.TrimSpace(req.Description)
	if !s.plainText(name) || !s.plainText(description) {
		return dto.GroupResponse{}, ErrGroupMarkup
	}

	ctx, span := s.tracer.Start(ctx, "groups.create", trace.WithAttributes(
		attribute.String("group.created_by", creatorID),
		attribute.Int("group.requested_members", len(req.Members)),
	))
	defer span.End()

	now := s.now().UnixMilli()
	members := make(map[string]models.Member, len(req.Members)+1)
	for _, id := range req.Members {
		id = strings.TrimSpace(id)
		if id == "" || strings.Contains(id, "/") {
			continue
		}
		members[id] = models.Member{JoinedAt: now, Role: models.RoleMember}
	}
	members[creatorID] = models.Member{JoinedAt: now, Role: models.RoleAdmin}

	group := models.Group{
		ID:           store.NewKey(),
		Name:         name,
		Description:  description,
		CreatedBy:    creatorID,
		CreatedAt:    now,
		Members:      members,
		MemberCount:  len(members),
		LastActivity: now,
	}
	span.SetAttributes(attribute.String("group.id", group.ID))

	ref := models.GroupConversation(group.ID)
	fields := map[string]any{ref.Path(): group}
	for id := range members {
		fields[models.UserGroupPath(id, group.ID)] = true
	}
	if err := s.store.Update(ctx, "", fields); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return dto.GroupResponse{}, fmt.Errorf("create group: %w", err)
	}

	s.logger.Info().Str("group_id", group.ID).Int("members", group.MemberCount).Msg("group created")
	return dto.NewGroupResponse(group), nil
}

func (s *groupService) ListForUser(ctx context.Context, userID string) ([]dto.GroupResponse, error) {
	ctx, span := s.tracer.Start(ctx, "groups.list", trace.WithAttributes(attribute.String("group.user_id", userID)))
	defer span.End()

	snap, err := s.store.Get(ctx, models.UserGroupsPath(userID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		return nil, fmt.Errorf("read group index: %w", err)
	}
	var index map[string]bool
	if err := snap.Decode(&index); err != nil {
		return nil, fmt.Errorf("decode group index: %w", err)
	}

	out := make([]dto.GroupResponse, 0, len(index))
	for id := range index {
		group, ok, err := s.metadata(ctx, id)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "read failed")
			return nil, err
		}
		if !ok {
			continue
		}
		if _, member := group.Members[userID]; !member {
			continue
		}
		out = append(out, dto.NewGroupResponse(group))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	span.SetAttributes(attribute.Int("group.count", len(out)))
	return out, nil
}

// groupMetadataFields are read one by one so the messages subtree is never loaded.
var groupMetadataFields = []string{
	"name", "description", "createdBy", "createdAt", "members",
	"memberCount", "lastActivity", "lastMessage", "avatar",
}

// metadata reads a group's fields without its messages. ok is false for an unknown group.
func (s *groupService) metadata(ctx context.Context, id string) (models.Group, bool, error) {
	base := models.GroupConversation(id).Path()
	record := make(map[string]json.RawMessage, len(groupMetadataFields))
	for _, field := range groupMetadataFields {
		snap, err := s.store.Get(ctx, base+"/"+field)
		if err != nil {
			return models.Group{}, false, fmt.Errorf("read group %s: %w", id, err)
		}
		if snap.Exists() {
			record[field] = snap.Raw
		}
	}
	if _, ok := record["createdAt"]; !ok {
		return models.Group{}, false, nil
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return models.Group{}, false, fmt.Errorf("encode group %s: %w", id, err)
	}
	var group models.Group
	if err := json.Unmarshal(raw, &group); err != nil {
		s.logger.Warn().Err(err).Str("group_id", id).Msg("skipping malformed group")
		return models.Group{}, false, nil
	}
	group.ID = id
	return group, true, nil
}

// plainText reports whether text is valid UTF-8 that the strict policy leaves untouched
// apart from entity escaping, which means it contains no markup.
func (s *groupService) plainText(text string) bool {
	if !utf8.ValidString(text) {
		return false
	}
	return html.UnescapeString(s.sanitizer.Sanitize(text)) == text
}
