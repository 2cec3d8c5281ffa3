// Package opensearch indexes history events into OpenSearch (or
// Elasticsearch) over its REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loykin/rolewatch/internal/history"
)

type Config struct {
	BaseURL  string // scheme://host:port
	Index    string
	Username string
	Password string
	Timeout  time.Duration
}

// Sink writes each event as one document. Document ids are derived from the
// event, so a redelivered mention overwrites its earlier copy.
type Sink struct {
	client *http.Client
	cfg    Config
}

func New(cfg Config) *Sink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Sink{client: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

// DocID identifies an event: one document per (org, channel, message, role)
// for mentions and per (org, channel, message) for baselines.
func DocID(e history.Event) string {
	parts := []string{e.OrgID, e.ChannelID, e.MessageID, string(e.Type)}
	if e.Type == history.EventMention {
		parts = append(parts, e.Role)
	}
	return strings.Join(parts, ":")
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	u := fmt.Sprintf("%s/%s/_doc/%s", s.cfg.BaseURL, url.PathEscape(s.cfg.Index), url.PathEscape(DocID(e)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("index %s: %w", s.cfg.Index, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("opensearch index %s: status %d: %s", s.cfg.Index, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}
