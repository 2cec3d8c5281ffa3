package history

import (
	"context"
	"time"
)

// EventType defines the kind of monitoring event.
type EventType string

const (
	// EventMention is emitted once per role mention handed to the notification sink.
	EventMention EventType = "mention"
	// EventBaseline is emitted when a channel without a cursor is pinned to its newest message.
	EventBaseline EventType = "baseline"
)

// Event represents a monitoring event to be exported to external systems.
type Event struct {
	Type        EventType `json:"type"`
	OccurredAt  time.Time `json:"occurred_at"`
	OrgID       string    `json:"org_id"`
	ChannelID   string    `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	MessageID   string    `json:"message_id"`
	AuthorID    string    `json:"author_id,omitempty"`
	Role        string    `json:"role,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Recipients  int       `json:"recipients"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Reader is implemented by sinks that can be queried back.
type Reader interface {
	Recent(ctx context.Context, orgID string, limit int) ([]Event, error)
}
