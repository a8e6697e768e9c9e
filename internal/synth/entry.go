// Package synth builds the final frp configuration text from three layered
// sources: the structured role preset, the operator's free-form user block,
// and the managed proxy entry set. Merge order is preset, then user block,
// then proxy blocks; frp resolves duplicate keys by last occurrence, so the
// user block intentionally overrides preset keys.
package synth

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind is the proxy variant discriminator.
type Kind string

const (
	KindTCP   Kind = "tcp"
	KindUDP   Kind = "udp"
	KindHTTP  Kind = "http"
	KindHTTPS Kind = "https"
	KindSTCP  Kind = "stcp"
	KindXTCP  Kind = "xtcp"
)

var ErrUnknownKind = errors.New("unknown proxy kind")

// ValidKind reports whether k is a supported proxy kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindTCP, KindUDP, KindHTTP, KindHTTPS, KindSTCP, KindXTCP:
		return true
	}
	return false
}

// Entry is one forwarding rule. Fields beyond the common set apply only to
// certain kinds: RemotePort to tcp/udp, Subdomain/CustomDomains to
// http/https, SecretKey to stcp/xtcp. Extra carries pass-through scalar keys
// the bridge does not model.
type Entry struct {
	Name          string            `json:"name" toml:"name"`
	Kind          Kind              `json:"type" toml:"type"`
	LocalIP       string            `json:"localIP,omitempty" toml:"localIP,omitempty"`
	LocalPort     int               `json:"localPort,omitempty" toml:"localPort,omitzero"`
	RemotePort    int               `json:"remotePort,omitempty" toml:"remotePort,omitzero"`
	Subdomain     string            `json:"subdomain,omitempty" toml:"subdomain,omitempty"`
	CustomDomains []string          `json:"customDomains,omitempty" toml:"customDomains,omitempty"`
	SecretKey     string            `json:"secretKey,omitempty" toml:"secretKey,omitempty"`
	Extra         map[string]string `json:"extra,omitempty" toml:"-"`
}

// Validate checks the invariants an entry must satisfy before it may join a
// document.
func (e Entry) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return errors.New("proxy entry requires name")
	}
	if !ValidKind(e.Kind) {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	switch e.Kind {
	case KindHTTP, KindHTTPS:
		if e.Subdomain == "" && len(e.CustomDomains) == 0 {
			return fmt.Errorf("proxy %s: %s requires subdomain or customDomains", e.Name, e.Kind)
		}
	case KindSTCP, KindXTCP:
		if e.SecretKey == "" {
			return fmt.Errorf("proxy %s: %s requires secretKey", e.Name, e.Kind)
		}
	}
	return nil
}

// EntrySet holds proxy entries keyed by unique name.
type EntrySet map[string]Entry

// Sorted returns the entries ordered by name. Emission order must be stable
// so that identical inputs synthesize byte-identical output.
func (s EntrySet) Sorted() []Entry {
	out := make([]Entry, 0, len(s))
	for _, e := range s {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Clone returns a shallow copy of the set.
func (s EntrySet) Clone() EntrySet {
	out := make(EntrySet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
