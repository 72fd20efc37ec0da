package dto

import "github.com/noah-isme/gema-livechat/internal/models"

// GroupCreateRequest creates a group; the caller becomes its admin.
type GroupCreateRequest struct {
	Name        string   `json:"name" validate:"required,min=1,max=100"`
	Description string   `json:"description" validate:"max=500"`
	Members     []string `json:"members" validate:"required,min=1,max=256,dive,required,max=128"`
}

// GroupResponse is the created group.
type GroupResponse struct {
	ID          string                   `json:"id"`
	Name        string                   `json:"name"`
	Description string                   `json:"description"`
	CreatedBy   string                   `json:"created_by"`
	CreatedAt   int64                    `json:"created_at"`
	Members     map[string]models.Member `json:"members"`
	MemberCount int                      `json:"member_count"`
	LastMessage string                   `json:"last_message,omitempty"`
	LastActive  int64                    `json:"last_activity,omitempty"`
}

// NewGroupResponse converts a stored group into a DTO.
func NewGroupResponse(group models.Group) GroupResponse {
	return GroupResponse{
		ID:          group.ID,
		Name:        group.Name,
		Description: group.Description,
		CreatedBy:   group.CreatedBy,
		CreatedAt:   group.CreatedAt,
		Members:     group.Members,
		MemberCount: group.MemberCount,
		LastMessage: group.LastMessage,
		LastActive:  group.LastActivity,
	}
}

// ImageUploadResponse carries the original and transformed URLs of an uploaded image.
type ImageUploadResponse struct {
	URL          string `json:"url"`
	OptimizedURL string `json:"optimizedUrl"`
	ThumbnailURL string `json:"thumbnailUrl"`
}

// NotificationResponse is one inbox entry.
type NotificationResponse struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	ChatID     string `json:"chat_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Type       string `json:"type"`
	Read       bool   `json:"read"`
	CreatedAt  int64  `json:"created_at"`
}

// NewNotificationResponse converts a record into a DTO.
func NewNotificationResponse(record models.NotificationRecord) NotificationResponse {
	return NotificationResponse{
		ID:         record.ID,
		Title:      record.Title,
		Body:       record.Body,
		ChatID:     record.ChatID,
		SenderID:   record.SenderID,
		SenderName: record.SenderName,
		Type:       record.Type,
		Read:       record.Read,
		CreatedAt:  record.CreatedAt,
	}
}

// NewNotificationResponseSlice converts records to DTOs.
func NewNotificationResponseSlice(records []models.NotificationRecord) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(records))
	for _, record := range records {
		out = append(out, NewNotificationResponse(record))
	}
	return out
}

// UnreadCountResponse reports how many notifications are unread.
type UnreadCountResponse struct {
	Unread int `json:"unread"`
}

// PushTokenRequest registers the browser's push delivery token.
type PushTokenRequest struct {
	Token    string `json:"token" validate:"required,min=8,max=4096"`
	Platform string `json:"platform" validate:"omitempty,oneof=web android ios"`
}
