package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to a running rolewatch daemon's control API.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Token    string // admin token, sent as a bearer token
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool
	CACert     string // CA certificate file path, e.g. the daemon's tls_ca.crt
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080/api",
		Timeout: 60 * time.Second,
	}
}

// New creates a client. TLS setup errors are logged and the client falls
// back to the default transport settings.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		c.logger.Debug("Daemon unreachable", "error", err)
		return false
	}
	return true
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// Start starts monitoring. On a failed start the returned error is an
// *APIError carrying the failed status.
func (c *Client) Start(ctx context.Context) (Status, error) {
	return c.lifecycle(ctx, "/start")
}

func (c *Client) Stop(ctx context.Context) (Status, error) {
	return c.lifecycle(ctx, "/stop")
}

func (c *Client) ForceRestart(ctx context.Context) (Status, error) {
	return c.lifecycle(ctx, "/force-restart")
}

func (c *Client) ResetRestartAttempts(ctx context.Context) (Status, error) {
	return c.lifecycle(ctx, "/reset-restart-attempts")
}

func (c *Client) ClearTracking(ctx context.Context) (ClearResult, error) {
	var res ClearResult
	err := c.do(ctx, http.MethodPost, "/clear-tracking", nil, &res)
	return res, err
}

// Control posts an action (start, stop, clear) to the action endpoint and
// returns the raw JSON reply.
func (c *Client) Control(ctx context.Context, action string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"action": action})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	var raw json.RawMessage
	err = c.do(ctx, http.MethodPost, "/control", body, &raw)
	return raw, err
}

func (c *Client) Cursors(ctx context.Context) ([]Cursor, error) {
	var cs []Cursor
	err := c.do(ctx, http.MethodGet, "/cursors", nil, &cs)
	return cs, err
}

// History returns up to limit recent export events, newest first. A limit
// of zero uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	path := "/history"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var evs []HistoryEvent
	err := c.do(ctx, http.MethodGet, path, nil, &evs)
	return evs, err
}

func (c *Client) lifecycle(ctx context.Context, path string) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodPost, path, nil, &st)
	if ae, ok := err.(*APIError); ok && ae.Status != nil {
		st = *ae.Status
	}
	return st, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- explicit opt-in
		return tlsConfig, nil
	}
	if config.TLS != nil {
		tlsConfig.InsecureSkipVerify = config.TLS.SkipVerify // #nosec G402 -- explicit opt-in
		tlsConfig.ServerName = config.TLS.ServerName
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = pool
	return nil
}

// do performs the request and decodes a 200 reply into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.errorFromResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) errorFromResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
		return &APIError{Code: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	msg := er.Error
	if er.Message != "" {
		msg += ": " + er.Message
	}
	c.logger.Debug("API request failed", "error", msg, "status", resp.StatusCode)
	return &APIError{Code: resp.StatusCode, Message: msg, Status: er.Status}
}
