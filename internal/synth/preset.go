package synth

import (
	"fmt"
	"strings"
)

// Role distinguishes the two frp binaries the bridge can supervise.
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// ParseRole normalizes a role string, defaulting to server for anything
// unrecognized. Mirrors the storage fallback used at daemon boot.
func ParseRole(s string) Role {
	if s == string(RoleClient) {
		return RoleClient
	}
	return RoleServer
}

// BinaryName returns the executable name for the role.
func (r Role) BinaryName() string {
	if r == RoleClient {
		return "frpc"
	}
	return "frps"
}

// ConfigFileName returns the generated config file name for the role.
func (r Role) ConfigFileName() string {
	if r == RoleClient {
		return "frpc.toml"
	}
	return "frps.toml"
}

// Default dashboard credential used when the preset leaves the password
// empty. A publicly known bootstrap convenience, not a security boundary.
const (
	DefaultDashboardUser     = "admin"
	DefaultDashboardPassword = "admin"
	DefaultBindPort          = 7000
	DefaultDashboardPort     = 7500
)

// Preset is the structured, UI-authored base configuration. Server fields
// apply to RoleServer, client fields to RoleClient; the zero value yields a
// workable local default for either role.
type Preset struct {
	// server role
	BindAddr          string `json:"bindAddr,omitempty"`
	BindPort          int    `json:"bindPort,omitempty"`
	DashboardAddr     string `json:"dashboardAddr,omitempty"`
	DashboardPort     int    `json:"dashboardPort,omitempty"`
	DashboardUser     string `json:"dashboardUser,omitempty"`
	DashboardPassword string `json:"dashboardPassword,omitempty"`

	// client role
	ServerAddr string `json:"serverAddr,omitempty"`
	ServerPort int    `json:"serverPort,omitempty"`

	// both roles
	AuthToken string `json:"authToken,omitempty"`
}

// withDefaults fills unset fields with role defaults. Missing dashboard
// credentials are auto-filled so the stats API stays reachable after a
// fresh install.
func (p Preset) withDefaults(role Role) Preset {
	if role == RoleServer {
		if p.BindAddr == "" {
			p.BindAddr = "0.0.0.0"
		}
		if p.BindPort == 0 {
			p.BindPort = DefaultBindPort
		}
		if p.DashboardAddr == "" {
			p.DashboardAddr = "127.0.0.1"
		}
		if p.DashboardPort == 0 {
			p.DashboardPort = DefaultDashboardPort
		}
		if p.DashboardUser == "" {
			p.DashboardUser = DefaultDashboardUser
		}
		if p.DashboardPassword == "" {
			p.DashboardPassword = DefaultDashboardPassword
		}
	} else {
		if p.ServerAddr == "" {
			p.ServerAddr = "127.0.0.1"
		}
		if p.ServerPort == 0 {
			p.ServerPort = DefaultBindPort
		}
	}
	return p
}

// section emits the preset block for the role with a fixed field order.
func (p Preset) section(role Role) string {
	p = p.withDefaults(role)
	var b strings.Builder
	if role == RoleServer {
		fmt.Fprintf(&b, "bindAddr = %q\n", p.BindAddr)
		fmt.Fprintf(&b, "bindPort = %d\n", p.BindPort)
		fmt.Fprintf(&b, "webServer.addr = %q\n", p.DashboardAddr)
		fmt.Fprintf(&b, "webServer.port = %d\n", p.DashboardPort)
		fmt.Fprintf(&b, "webServer.user = %q\n", p.DashboardUser)
		fmt.Fprintf(&b, "webServer.password = %q\n", p.DashboardPassword)
	} else {
		fmt.Fprintf(&b, "serverAddr = %q\n", p.ServerAddr)
		fmt.Fprintf(&b, "serverPort = %d\n", p.ServerPort)
	}
	if p.AuthToken != "" {
		fmt.Fprintf(&b, "auth.method = %q\n", "token")
		fmt.Fprintf(&b, "auth.token = %q\n", p.AuthToken)
	}
	return b.String()
}
