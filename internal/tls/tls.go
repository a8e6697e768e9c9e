// Package tls builds the server-side TLS configuration for the bridge API.
// Certificates can come from explicit files, from a certificate directory, or
// be self-signed on first boot when auto generation is enabled.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	certFileName = "api.crt"
	keyFileName  = "api.key"
)

// Config is the [tls] section of the daemon config file.
type Config struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`

	// CertFile/KeyFile take precedence over Dir when both are set.
	CertFile string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile  string `toml:"key_file" mapstructure:"key_file"`

	// Dir is scanned for api.crt/api.key. With AutoGenerate set, a missing
	// pair is created as a self-signed certificate.
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`

	MinVersion string `toml:"min_version" mapstructure:"min_version"`

	CommonName string   `toml:"common_name" mapstructure:"common_name"`
	Hosts      []string `toml:"hosts" mapstructure:"hosts"`
	ValidDays  int      `toml:"valid_days" mapstructure:"valid_days"`
}

func parseVersion(s string) (uint16, error) {
	switch s {
	case "", "1.3", "tls1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported tls version %q", s)
	}
}

// Setup resolves the certificate source and returns a ready tls.Config, or
// (nil, nil) when TLS is disabled.
func Setup(c *Config) (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := c.CertFile, c.KeyFile
	switch {
	case certPath != "" && keyPath != "":
	case c.Dir != "":
		certPath = filepath.Join(c.Dir, certFileName)
		keyPath = filepath.Join(c.Dir, keyFileName)
		if c.AutoGenerate && !pairExists(certPath, keyPath) {
			if err := os.MkdirAll(c.Dir, 0o700); err != nil {
				return nil, err
			}
			if err := generate(c, certPath, keyPath); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
	default:
		return nil, errors.New("tls enabled but no cert_file/key_file or dir configured")
	}

	return &tls.Config{
		GetCertificate: reloadingCert(certPath, keyPath),
		MinVersion:     minVer,
	}, nil
}

// reloadingCert rereads the pair on every handshake, so a certificate rotated
// on disk takes effect without a daemon restart. Paths are pinned to the
// certificate's directory.
func reloadingCert(certPath, keyPath string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certPath)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := readWithin(baseDir, certPath)
		if err != nil {
			return nil, err
		}
		keyPEM, err := readWithin(baseDir, keyPath)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, err
		}
		return &cert, nil
	}
}

func readWithin(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	absBase, _ := filepath.Abs(baseDir)
	absFile, _ := filepath.Abs(clean)
	if absFile != absBase && !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) {
		return nil, fmt.Errorf("%s escapes certificate directory", p)
	}
	return os.ReadFile(clean)
}

func pairExists(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}
