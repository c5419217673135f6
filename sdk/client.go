// Package livecall provides the HoneyCatcher call client for Go.
//
// The client joins a honeypot call room over the backend WebSocket, streams
// microphone audio to the scammer peer, plays back AI-synthesized speech, and
// exposes the operator/AI takeover switch. REST endpoints for call lifecycle
// (start, end, report) live on Client.Calls.
package livecall

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JRiishi/HoneyCatcher/pkg/core"
)

const (
	defaultBaseURL        = "http://localhost:8000"
	defaultDialTimeout    = 10 * time.Second
	defaultPingInterval   = 25 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultReconnectBase  = 1 * time.Second
	defaultReconnectCap   = 30 * time.Second
	defaultReconnectTries = 5
)

// Client is the main entry point for the SDK.
type Client struct {
	Calls *CallsService

	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger

	dialTimeout    time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration
	reconnectBase  time.Duration
	reconnectCap   time.Duration
	reconnectTries uint64
}

// NewClient creates a new client. The API key is sent as x-api-key on REST
// calls and as a query parameter on the WebSocket dial.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        defaultBaseURL,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         slog.Default(),
		dialTimeout:    defaultDialTimeout,
		pingInterval:   defaultPingInterval,
		pongWait:       defaultPongWait,
		reconnectBase:  defaultReconnectBase,
		reconnectCap:   defaultReconnectCap,
		reconnectTries: defaultReconnectTries,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.baseURL = strings.TrimRight(strings.TrimSpace(c.baseURL), "/")

	c.Calls = &CallsService{client: c}
	return c
}

// Logger returns the client logger.
func (c *Client) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}

func (c *Client) restEndpoint(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return c.baseURL + path
}

func (c *Client) websocketEndpoint(path string) (string, error) {
	u, err := url.Parse(c.restEndpoint(path))
	if err != nil {
		return "", core.NewInvalidRequestError("invalid base URL")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewInvalidRequestError("base URL must use http(s) or ws(s)")
	}
	if c.apiKey != "" {
		q := u.Query()
		q.Set("api_key", c.apiKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
