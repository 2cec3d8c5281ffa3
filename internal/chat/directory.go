package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// Directory discovers the chat channels of an organization.
type Directory struct {
	provider Provider
	logger   *slog.Logger
}

func NewDirectory(p Provider, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{provider: p, logger: logger}
}

// Discover lists the organization's experiences and keeps those whose app or
// experience name contains "chat".
func (d *Directory) Discover(ctx context.Context, orgID string) ([]Channel, error) {
	all, err := d.provider.ListChannels(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list experiences for %s: %w", orgID, err)
	}
	out := make([]Channel, 0, len(all))
	for _, ch := range all {
		if isChat(ch) {
			out = append(out, ch)
		}
	}
	d.logger.Info("Discovered chat channels", "org", orgID, "total", len(all), "chat", len(out))
	return out, nil
}

func isChat(ch Channel) bool {
	return strings.Contains(strings.ToLower(ch.AppName), "chat") ||
		strings.Contains(strings.ToLower(ch.Name), "chat")
}
