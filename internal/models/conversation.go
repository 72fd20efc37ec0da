package models

import (
	"errors"
	"sort"
	"strings"
)

// ConversationKind is either a direct chat between two users or a group.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// ErrInvalidConversation is returned for references that cannot address a conversation.
var ErrInvalidConversation = errors.New("invalid conversation reference")

// ConversationRef addresses a conversation subtree in the store.
type ConversationRef struct {
	Kind    ConversationKind `json:"kind"`
	ID      string           `json:"id"`
	Members []string         `json:"members,omitempty"`
}

// DirectConversation returns the reference shared by both participants.
// The key is the sorted pair joined by "_" so either side derives it without coordination.
func DirectConversation(a, b string) ConversationRef {
	pair := []string{strings.TrimSpace(a), strings.TrimSpace(b)}
	sort.Strings(pair)
	return ConversationRef{
		Kind:    ConversationDirect,
		ID:      pair[0] + "_" + pair[1],
		Members: pair,
	}
}

// GroupConversation references a group by its store-generated id.
func GroupConversation(id string) ConversationRef {
	return ConversationRef{Kind: ConversationGroup, ID: strings.TrimSpace(id)}
}

// Validate reports whether the reference is usable.
func (r ConversationRef) Validate() error {
	switch r.Kind {
	case ConversationDirect:
		if len(r.Members) != 2 || r.Members[0] == "" || r.Members[1] == "" || r.Members[0] == r.Members[1] {
			return ErrInvalidConversation
		}
	case ConversationGroup:
		if r.ID == "" || strings.Contains(r.ID, "/") {
			return ErrInvalidConversation
		}
	default:
		return ErrInvalidConversation
	}
	return nil
}

// IsGroup reports whether the reference points at a group.
func (r ConversationRef) IsGroup() bool { return r.Kind == ConversationGroup }

// Peer returns the other participant of a direct conversation.
func (r ConversationRef) Peer(self string) string {
	if r.Kind != ConversationDirect || len(r.Members) != 2 {
		return ""
	}
	if r.Members[0] == self {
		return r.Members[1]
	}
	if r.Members[1] == self {
		return r.Members[0]
	}
	return ""
}

// Path is the root of the conversation subtree.
func (r ConversationRef) Path() string {
	if r.Kind == ConversationGroup {
		return "groups/" + r.ID
	}
	return "chats/" + r.ID
}

func (r ConversationRef) MessagesPath() string { return r.Path() + "/messages" }

func (r ConversationRef) MessagePath(id string) string { return r.MessagesPath() + "/" + id }

func (r ConversationRef) TypingPath() string { return r.Path() + "/typing" }

func (r ConversationRef) TypingSignalPath(userID string) string { return r.TypingPath() + "/" + userID }

// Group is the stored group record.
type Group struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description"`
	CreatedBy    string            `json:"createdBy"`
	CreatedAt    int64             `json:"createdAt"`
	Members      map[string]Member `json:"members"`
	MemberCount  int               `json:"memberCount"`
	LastActivity int64             `json:"lastActivity"`
	LastMessage  string            `json:"lastMessage"`
	Avatar       string            `json:"avatar,omitempty"`
}

// Group member roles.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Member is a group membership entry keyed by user id.
type Member struct {
	JoinedAt int64  `json:"joinedAt"`
	Role     string `json:"role"`
}
