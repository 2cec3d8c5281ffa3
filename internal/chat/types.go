package chat

import (
	"context"
	"time"
)

// Channel is a chat experience discovered for an organization.
type Channel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	AppName string `json:"appName"`
}

// Message types the poller never inspects for mentions.
const (
	TypeSystem    = "system"
	TypeAutomated = "automated"
	TypeRegular   = "regular"
)

// Message is a chat post as returned by the provider. It is never mutated.
type Message struct {
	ID            string
	Content       string
	AuthorID      string
	AuthorName    string
	AuthorIsAdmin bool
	CreatedAt     time.Time
	IsDeleted     bool
	Type          string
}

// Ignored reports whether the message can never carry an actionable mention.
func (m Message) Ignored() bool {
	return m.IsDeleted || m.Type == TypeSystem || m.Type == TypeAutomated
}

// Provider is the external chat service.
type Provider interface {
	// ListChannels returns every experience of the organization, chat or not.
	ListChannels(ctx context.Context, orgID string) ([]Channel, error)
	// ListRecentMessages returns the newest page of messages, newest first.
	ListRecentMessages(ctx context.Context, channelID string) ([]Message, error)
}
