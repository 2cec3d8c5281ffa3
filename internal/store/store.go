package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrCursorRegression is returned by SetCursor when the stored cursor is newer
// than the one being written; the stored row is left unchanged.
var ErrCursorRegression = errors.New("cursor would move backwards")

// Cursor is the durable "last seen message" marker for one channel of an
// organization. (OrgID, ChannelID) is unique.
type Cursor struct {
	OrgID         string    `json:"orgId"`
	ChannelID     string    `json:"channelId"`
	ChannelName   string    `json:"channelName"`
	LastMessageID string    `json:"lastMessageId"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// RoleMention is one role mentioned by an admin in one message.
type RoleMention struct {
	OrgID       string
	RoleName    string
	ChannelID   string
	ChannelName string
	MessageID   string
	Content     string
	AuthorID    string
	CreatedAt   time.Time
}

// Text renders the notification body shown to subscribers.
func (m RoleMention) Text() string {
	return fmt.Sprintf("@%s mentioned by Admin in %s, the article: %s", m.RoleName, m.ChannelName, m.Content)
}

// DeliveryOutcome describes what the sink did with a mention.
type DeliveryOutcome string

const (
	DeliverySent          DeliveryOutcome = "sent"
	DeliveryUnknownRole   DeliveryOutcome = "unknown_role"
	DeliveryNoSubscribers DeliveryOutcome = "no_subscribers"
	DeliveryDuplicate     DeliveryOutcome = "duplicate"
)

// Delivery is the result of a NotifyRole call.
type Delivery struct {
	Outcome        DeliveryOutcome
	NotificationID string
	Recipients     []string
}

// CursorStore keeps per-channel read positions.
type CursorStore interface {
	GetCursor(ctx context.Context, orgID, channelID string) (Cursor, bool, error)
	// SetCursor upserts on (OrgID, ChannelID). It never moves LastMessageAt backwards.
	SetCursor(ctx context.Context, c Cursor) error
	ClearCursors(ctx context.Context, orgID string) (int64, error)
	ListCursors(ctx context.Context, orgID string) ([]Cursor, error)
}

// NotificationSink resolves the subscribers of a role and persists one
// notification record for the mention. An unknown role is not an error.
type NotificationSink interface {
	NotifyRole(ctx context.Context, m RoleMention) (Delivery, error)
}

// AdminChecker answers whether a user is a verified admin of the organization.
type AdminChecker interface {
	IsAdmin(ctx context.Context, orgID, userID string) (bool, error)
}

// Store is the persistence backend used by the engine.
type Store interface {
	EnsureSchema(ctx context.Context) error
	CursorStore
	NotificationSink
	AdminChecker
	Directory
	Close() error
}

// Directory manages the users and role subscriptions that NotifyRole and
// IsAdmin read. Every backend implements it.
type Directory interface {
	UpsertUser(ctx context.Context, orgID, userID, username string, admin bool) error
	CreateRole(ctx context.Context, orgID, role string) error
	AssignRole(ctx context.Context, orgID, userID, role string) error
	CountNotifications(ctx context.Context, orgID, role string) (int, error)
}
