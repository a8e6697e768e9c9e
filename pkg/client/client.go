// Package client is a thin HTTP client for the bridge daemon API.
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
	"net/url"
	"os"
	"strconv"
	"time"
)

// Client talks to a running bridge daemon.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSClientConfig
	Insecure bool // Skip TLS verification
}

// TLSClientConfig holds TLS configuration for the client.
type TLSClientConfig struct {
	Enabled    bool
	CACert     string
	ClientCert string
	ClientKey  string
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:7400",
		Timeout: 10 * time.Second,
	}
}

// New creates a bridge API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:7400"
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
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
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable checks if the daemon is running and reachable.
func (c *Client) IsReachable(ctx context.Context) bool {
	var res CommandResult
	err := c.do(ctx, http.MethodGet, "/status", nil, &res)
	return err == nil
}

// Status returns the supervised process state.
func (c *Client) Status(ctx context.Context) (ProcessStatus, error) {
	var res struct {
		Status string        `json:"status"`
		Result ProcessStatus `json:"result"`
		Error  string        `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, "/status", nil, &res); err != nil {
		return ProcessStatus{}, err
	}
	if res.Error != "" {
		return ProcessStatus{}, fmt.Errorf("api error: %s", res.Error)
	}
	return res.Result, nil
}

// Start launches the supervised process.
func (c *Client) Start(ctx context.Context) error {
	return c.command(ctx, "/start", nil)
}

// Stop terminates the supervised process.
func (c *Client) Stop(ctx context.Context) error {
	return c.command(ctx, "/stop", nil)
}

// Restart bounces the supervised process.
func (c *Client) Restart(ctx context.Context) error {
	return c.command(ctx, "/restart", nil)
}

// Execute sends an arbitrary named command.
func (c *Client) Execute(ctx context.Context, name string, payload any) (CommandResult, error) {
	body, err := json.Marshal(struct {
		Name    string `json:"name"`
		Payload any    `json:"payload,omitempty"`
	}{Name: name, Payload: payload})
	if err != nil {
		return CommandResult{}, err
	}
	var res CommandResult
	if err := c.do(ctx, http.MethodPost, "/command", body, &res); err != nil {
		return res, err
	}
	return res, nil
}

// Proxies lists the configured proxy entries.
func (c *Client) Proxies(ctx context.Context) ([]ProxyEntry, error) {
	var res struct {
		Status string       `json:"status"`
		Result []ProxyEntry `json:"result"`
		Error  string       `json:"error"`
	}
	if err := c.do(ctx, http.MethodGet, "/proxies", nil, &res); err != nil {
		return nil, err
	}
	if res.Error != "" {
		return nil, fmt.Errorf("api error: %s", res.Error)
	}
	return res.Result, nil
}

// AddProxy appends a proxy entry and regenerates the config.
func (c *Client) AddProxy(ctx context.Context, e ProxyEntry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var res CommandResult
	if err := c.do(ctx, http.MethodPost, "/proxies", body, &res); err != nil {
		return err
	}
	return res.Err()
}

// RemoveProxy deletes a proxy entry by name.
func (c *Client) RemoveProxy(ctx context.Context, name string) error {
	var res CommandResult
	if err := c.do(ctx, http.MethodDelete, "/proxies/"+url.PathEscape(name), nil, &res); err != nil {
		return err
	}
	return res.Err()
}

// ApplyRawConfig replaces the operator block of the generated config.
func (c *Client) ApplyRawConfig(ctx context.Context, content string, restart bool) error {
	body, err := json.Marshal(map[string]any{"content": content, "restart": restart})
	if err != nil {
		return err
	}
	var res CommandResult
	if err := c.do(ctx, http.MethodPost, "/config/raw", body, &res); err != nil {
		return err
	}
	return res.Err()
}

// Nodes lists registered nodes.
func (c *Client) Nodes(ctx context.Context, page, pageSize int) (NodePage, error) {
	path := "/nodes?page=" + strconv.Itoa(page) + "&pageSize=" + strconv.Itoa(pageSize)
	var res NodePage
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// CheckInstall asks the daemon whether an frp update is available.
func (c *Client) CheckInstall(ctx context.Context) (InstallCheck, error) {
	var res InstallCheck
	err := c.do(ctx, http.MethodGet, "/install/check", nil, &res)
	return res, err
}

// Install starts a background frp install.
func (c *Client) Install(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/install", nil, nil)
}

func (c *Client) command(ctx context.Context, path string, body []byte) error {
	var res CommandResult
	if err := c.do(ctx, http.MethodPost, path, body, &res); err != nil {
		return err
	}
	return res.Err()
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "path", path, "error", err)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if out == nil {
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// setupClientTLS configures TLS settings for the HTTP client.
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true
		return tlsConfig, nil
	}
	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}
	return tlsConfig, nil
}

func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}
	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return nil
}
