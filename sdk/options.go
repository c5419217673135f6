package livecall

import (
	"log/slog"
	"net/http"
	"time"
)

// ClientOption is a function that configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the backend base URL (http(s) or ws(s)).
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithAPIKey sets the backend API key.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithHTTPClient sets a custom HTTP client for REST calls.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger for the client.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithDialTimeout bounds the WebSocket dial plus join handshake.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.dialTimeout = d
		}
	}
}

// WithKeepalive sets the application ping interval and the silence window
// after which pong staleness is reported.
func WithKeepalive(interval, pongWait time.Duration) ClientOption {
	return func(c *Client) {
		if interval > 0 {
			c.pingInterval = interval
		}
		if pongWait > 0 {
			c.pongWait = pongWait
		}
	}
}

// WithReconnect tunes the reconnect schedule: base delay, delay cap, and the
// maximum number of attempts per outage.
func WithReconnect(base, cap time.Duration, attempts uint64) ClientOption {
	return func(c *Client) {
		if base > 0 {
			c.reconnectBase = base
		}
		if cap > 0 {
			c.reconnectCap = cap
		}
		if attempts > 0 {
			c.reconnectTries = attempts
		}
	}
}
