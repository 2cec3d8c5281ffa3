package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrMissingCredentials is returned when the provider API key or app id is not configured.
var ErrMissingCredentials = errors.New("missing chat provider credentials (api_key and app_id are required)")

// HTTPConfig configures the REST chat provider client.
type HTTPConfig struct {
	BaseURL    string
	APIKey     string
	AppID      string
	Timeout    time.Duration
	RatePerSec int // outbound request budget shared by all channels
	PageSize   int
	Logger     *slog.Logger
}

// HTTPProvider talks to the chat platform's REST API.
// Endpoints:
//
//	GET {base}/experiences?company_id=...        -> {"experiences":[{id,name,app:{name}}]}
//	GET {base}/chats/{experience}/messages?limit -> {"posts":[{id,content,createdAt,messageType,isDeleted,user:{id,username,isAdmin}}]}
type HTTPProvider struct {
	baseURL  string
	apiKey   string
	appID    string
	pageSize int
	client   *http.Client
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewHTTPProvider validates credentials and builds a client.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.AppID) == "" {
		return nil, ErrMissingCredentials
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.whop.com/api/v5"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &HTTPProvider{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:   cfg.APIKey,
		appID:    cfg.AppID,
		pageSize: cfg.PageSize,
		client:   &http.Client{Timeout: cfg.Timeout},
		// burst = rate per sec so a full fan-out can go out at once
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		logger:  cfg.Logger,
	}, nil
}

type experiencesResp struct {
	Experiences []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
		App  struct {
			Name string `json:"name"`
		} `json:"app"`
	} `json:"experiences"`
}

type postsResp struct {
	Posts []struct {
		ID          string      `json:"id"`
		Content     string      `json:"content"`
		CreatedAt   epochMillis `json:"createdAt"`
		MessageType string      `json:"messageType"`
		IsDeleted   bool        `json:"isDeleted"`
		User        struct {
			ID       string `json:"id"`
			Username string `json:"username"`
			IsAdmin  bool   `json:"isAdmin"`
		} `json:"user"`
	} `json:"posts"`
}

func (p *HTTPProvider) ListChannels(ctx context.Context, orgID string) ([]Channel, error) {
	q := url.Values{"company_id": {orgID}}
	var resp experiencesResp
	if err := p.getJSON(ctx, "/experiences?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	out := make([]Channel, 0, len(resp.Experiences))
	for _, e := range resp.Experiences {
		out = append(out, Channel{ID: e.ID, Name: e.Name, AppName: e.App.Name})
	}
	return out, nil
}

func (p *HTTPProvider) ListRecentMessages(ctx context.Context, channelID string) ([]Message, error) {
	path := fmt.Sprintf("/chats/%s/messages?limit=%d", url.PathEscape(channelID), p.pageSize)
	var resp postsResp
	if err := p.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(resp.Posts))
	for _, m := range resp.Posts {
		typ := m.MessageType
		if typ == "" {
			typ = TypeRegular
		}
		out = append(out, Message{
			ID:            m.ID,
			Content:       m.Content,
			AuthorID:      m.User.ID,
			AuthorName:    m.User.Username,
			AuthorIsAdmin: m.User.IsAdmin,
			CreatedAt:     time.Time(m.CreatedAt),
			IsDeleted:     m.IsDeleted,
			Type:          typ,
		})
	}
	return out, nil
}

func (p *HTTPProvider) getJSON(ctx context.Context, path string, v any) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("X-App-Id", p.appID)
	req.Header.Set("Accept", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("chat provider %s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// epochMillis accepts a unix-millisecond timestamp encoded either as a JSON
// number or as a numeric string.
type epochMillis time.Time

func (e *epochMillis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*e = epochMillis(time.Time{})
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid createdAt %q: %w", s, err)
	}
	*e = epochMillis(time.UnixMilli(ms).UTC())
	return nil
}
