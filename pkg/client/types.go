package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommandResult is the uniform daemon response for command endpoints.
type CommandResult struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Err converts a failed result into an error.
func (r CommandResult) Err() error {
	if r.Error != "" {
		return fmt.Errorf("api error: %s", r.Error)
	}
	return nil
}

// ProcessStatus mirrors the daemon's queryProcess result.
type ProcessStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Uptime  string `json:"uptime,omitempty"`
}

// ProxyEntry mirrors one configured proxy.
type ProxyEntry struct {
	Name          string            `json:"name"`
	Kind          string            `json:"type"`
	LocalIP       string            `json:"localIP,omitempty"`
	LocalPort     int               `json:"localPort,omitempty"`
	RemotePort    int               `json:"remotePort,omitempty"`
	Subdomain     string            `json:"subdomain,omitempty"`
	CustomDomains []string          `json:"customDomains,omitempty"`
	SecretKey     string            `json:"secretKey,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// NodeInfo mirrors one registered node.
type NodeInfo struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Address     string    `json:"address,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
	LastSeen    time.Time `json:"lastSeen"`
	Online      bool      `json:"online"`
}

// NodePage is one page of the node listing.
type NodePage struct {
	Nodes    []NodeInfo `json:"nodes"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}

// InstallCheck mirrors the daemon's update check result.
type InstallCheck struct {
	CurrentVersion  string `json:"currentVersion,omitempty"`
	LatestVersion   string `json:"latestVersion"`
	ReleaseName     string `json:"releaseName,omitempty"`
	DownloadURL     string `json:"downloadUrl"`
	UpdateAvailable bool   `json:"updateAvailable"`
}
