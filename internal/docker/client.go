// Package docker talks to the local Docker daemon: the engine API over its
// unix socket for the event stream, and the compose CLI for project state.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"stackcast/internal/monitor"
	"stackcast/pkg/logx"
)

const (
	DefaultSocket = "/var/run/docker.sock"
	DefaultBinary = "docker"

	// Host is ignored by the dialer; it only has to be a valid URL host.
	apiBase = "http://docker"
)

type Config struct {
	Socket string
	Binary string
}

// Client is safe for concurrent use.
type Client struct {
	cfg Config
	log logx.Logger

	// stream has no overall timeout; api is for short request/response calls.
	stream *http.Client
	api    *http.Client
}

func New(cfg Config, log logx.Logger) *Client {
	if cfg.Socket == "" {
		cfg.Socket = DefaultSocket
	}
	if cfg.Binary == "" {
		cfg.Binary = DefaultBinary
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	tr := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", cfg.Socket)
		},
		MaxIdleConns:    2,
		IdleConnTimeout: 30 * time.Second,
	}
	return &Client{
		cfg:    cfg,
		log:    log.With(logx.String("comp", "docker")),
		stream: &http.Client{Transport: tr},
		api:    &http.Client{Transport: tr, Timeout: 8 * time.Second},
	}
}

func (c *Client) Binary() string { return c.cfg.Binary }

// Ping checks the engine API.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.get(ctx, c.api, "/_ping", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type Version struct {
	Version    string `json:"Version"`
	APIVersion string `json:"ApiVersion"`
}

func (c *Client) Version(ctx context.Context) (Version, error) {
	var v Version
	resp, err := c.get(ctx, c.api, "/version", nil)
	if err != nil {
		return v, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return v, fmt.Errorf("docker: decode version: %w", err)
	}
	return v, nil
}

// Open starts the container event stream as newline-delimited JSON. It
// returns monitor.ErrUnavailable when no daemon socket exists.
func (c *Client) Open(ctx context.Context) (io.ReadCloser, error) {
	if _, err := os.Stat(c.cfg.Socket); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", monitor.ErrUnavailable, c.cfg.Socket)
	}
	filters, _ := json.Marshal(map[string][]string{"type": {"container"}})
	resp, err := c.get(ctx, c.stream, "/events", url.Values{"filters": {string(filters)}})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) get(ctx context.Context, hc *http.Client, path string, q url.Values) (*http.Response, error) {
	u := apiBase + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("docker: GET %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("docker: GET %s: %s: %s", path, resp.Status, body)
	}
	return resp, nil
}
