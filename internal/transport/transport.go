// Package transport talks to the remote authority over HTTP: it fetches the
// desired-state declaration and posts telemetry reports.
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"circuit-agent/internal/errcode"

	"github.com/sirupsen/logrus"
)

// MaxResponseSize bounds the declaration body.
const MaxResponseSize = 256 * 1024

// DefaultTimeout bounds every request when none is configured.
const DefaultTimeout = 10 * time.Second

// ErrTransport matches every fetch or report failure.
var ErrTransport error = errcode.TransportFailure

type Config struct {
	StateURL  string
	ReportURL string
	Timeout   time.Duration
	UserAgent string
}

type Client struct {
	http   *http.Client
	config Config
	logger *logrus.Logger
}

// NewClient builds a client; a nil httpClient gets one bounded by cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client, logger *logrus.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		http:   httpClient,
		config: cfg,
		logger: logger,
	}
}

// Fetch returns the current declaration body. An empty body is not an error;
// the caller decides what an empty declaration means.
func (c *Client) Fetch(ctx context.Context) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.StateURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrTransport, err)
	}
	req.Header.Set("Accept", "application/json")
	c.setUserAgent(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to request data from %s: %v", ErrTransport, c.config.StateURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
		return nil, fmt.Errorf("%w: %s answered %s", ErrTransport, c.config.StateURL, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %v", ErrTransport, err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("%w: response larger than %d bytes", ErrTransport, MaxResponseSize)
	}

	c.logger.WithField("bytes", len(body)).Debug("Declaration fetched")
	return body, nil
}

// Report posts one telemetry payload.
func (c *Client) Report(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.ReportURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: building request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setUserAgent(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: posting to %s: %v", ErrTransport, c.config.ReportURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s answered %s", ErrTransport, c.config.ReportURL, resp.Status)
	}

	c.logger.WithField("bytes", len(payload)).Debug("Telemetry reported")
	return nil
}

func (c *Client) setUserAgent(req *http.Request) {
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
}
