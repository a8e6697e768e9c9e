// Package statsapi reads live stats from the frps admin web server. The
// server exposes per-type proxy listings, so Proxies fans out one request per
// proxy type and merges the results.
package statsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/loykin/frpbridge/internal/synth"
)

// proxyTypes are the listing endpoints the admin server exposes.
var proxyTypes = []string{"tcp", "udp", "http", "https", "stcp", "xtcp"}

// Client talks to one frps admin endpoint with basic auth.
type Client struct {
	baseURL string
	user    string
	pass    string
	http    *http.Client
}

// New builds a client for an explicit address.
func New(baseURL, user, pass string) *Client {
	return &Client{
		baseURL: baseURL,
		user:    user,
		pass:    pass,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// NewFromPreset derives the admin address and credentials from the server
// preset, applying the same defaults the synthesized config uses.
func NewFromPreset(p synth.Preset) *Client {
	addr := p.DashboardAddr
	if addr == "" {
		addr = "127.0.0.1"
	}
	port := p.DashboardPort
	if port == 0 {
		port = synth.DefaultDashboardPort
	}
	user := p.DashboardUser
	if user == "" {
		user = synth.DefaultDashboardUser
	}
	pass := p.DashboardPassword
	if pass == "" {
		pass = synth.DefaultDashboardPassword
	}
	return New(fmt.Sprintf("http://%s:%d", addr, port), user, pass)
}

// ServerInfo is the summary the admin server reports at /api/serverinfo.
type ServerInfo struct {
	Version         string         `json:"version"`
	BindPort        int            `json:"bindPort"`
	TotalTrafficIn  int64          `json:"totalTrafficIn"`
	TotalTrafficOut int64          `json:"totalTrafficOut"`
	CurConns        int64          `json:"curConns"`
	ClientCounts    int            `json:"clientCounts"`
	ProxyTypeCount  map[string]int `json:"proxyTypeCount,omitempty"`
}

// ProxyInfo is one proxy row from /api/proxy/{type}.
type ProxyInfo struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Conf struct {
		RemotePort int `json:"remotePort,omitempty"`
	} `json:"conf"`
	Status          string `json:"status"`
	CurConns        int64  `json:"curConns"`
	TodayTrafficIn  int64  `json:"todayTrafficIn"`
	TodayTrafficOut int64  `json:"todayTrafficOut"`
	LastStartTime   string `json:"lastStartTime,omitempty"`
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.user, c.pass)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("stats api %s: status %d: %s", path, resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ServerInfo fetches the server summary.
func (c *Client) ServerInfo(ctx context.Context) (ServerInfo, error) {
	var info ServerInfo
	err := c.get(ctx, "/api/serverinfo", &info)
	return info, err
}

// Proxies lists every proxy across all types. A missing type endpoint is
// skipped; any other failure aborts the whole read.
func (c *Client) Proxies(ctx context.Context) ([]ProxyInfo, error) {
	var out []ProxyInfo
	for _, t := range proxyTypes {
		var page struct {
			Proxies []ProxyInfo `json:"proxies"`
		}
		if err := c.get(ctx, "/api/proxy/"+t, &page); err != nil {
			return nil, err
		}
		for _, p := range page.Proxies {
			if p.Type == "" {
				p.Type = t
			}
			out = append(out, p)
		}
	}
	return out, nil
}
