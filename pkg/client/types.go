package client

import (
	"fmt"
	"time"
)

// Channel is a monitored chat experience.
type Channel struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	AppName string `json:"appName"`
}

// Status mirrors the daemon's monitoring status.
type Status struct {
	IsRunning       bool       `json:"isRunning"`
	IsAutoStarted   bool       `json:"isAutoStarted"`
	State           string     `json:"state"`
	ExperienceCount int        `json:"experienceCount"`
	Channels        []Channel  `json:"channels"`
	LastError       string     `json:"lastError,omitempty"`
	LastRestart     *time.Time `json:"lastRestart,omitempty"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	UptimeMs        int64      `json:"uptimeMs,omitempty"`
	RestartAttempts int        `json:"restartAttempts"`
}

// Cursor is the last processed message of one channel.
type Cursor struct {
	OrgID         string    `json:"orgId"`
	ChannelID     string    `json:"channelId"`
	ChannelName   string    `json:"channelName"`
	LastMessageID string    `json:"lastMessageId"`
	LastMessageAt time.Time `json:"lastMessageAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// HistoryEvent is one exported monitoring event. Field names follow the
// export document format.
type HistoryEvent struct {
	Type        string    `json:"type"`
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

// ClearResult is returned by ClearTracking.
type ClearResult struct {
	OK      bool  `json:"ok"`
	Cleared int64 `json:"cleared"`
}

// ErrorResponse represents an API error response. Lifecycle failures also
// carry the resulting status.
type ErrorResponse struct {
	Error   string  `json:"error"`
	Message string  `json:"message,omitempty"`
	Status  *Status `json:"status,omitempty"`
}

// APIError is returned for non-2xx responses.
type APIError struct {
	Code    int
	Message string
	Status  *Status
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (HTTP %d): %s", e.Code, e.Message)
}
