package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(nil)
	require.NoError(t, err)
	assert.Nil(t, cfg)

	cfg, err = Setup(&Config{Enabled: false, Dir: "/nope"})
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestSetupRequiresSource(t *testing.T) {
	_, err := Setup(&Config{Enabled: true})
	require.Error(t, err)
}

func TestSetupRejectsUnknownVersion(t *testing.T) {
	_, err := Setup(&Config{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "ssl3"})
	require.Error(t, err)
}

func TestAutoGenerateAndHandshakeMaterial(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(&Config{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		CommonName:   "bridge.test",
		Hosts:        []string{"bridge.test", "10.1.2.3"},
		ValidDays:    7,
	})
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)

	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	require.NotNil(t, cert)

	pemData, err := os.ReadFile(filepath.Join(dir, "api.crt"))
	require.NoError(t, err)
	block, _ := pem.Decode(pemData)
	require.NotNil(t, block)
	parsed, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	assert.Equal(t, "bridge.test", parsed.Subject.CommonName)
	assert.Contains(t, parsed.DNSNames, "bridge.test")
	require.Len(t, parsed.IPAddresses, 1)
	assert.Equal(t, "10.1.2.3", parsed.IPAddresses[0].String())

	info, err := os.Stat(filepath.Join(dir, "api.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestGenerateSkippedWhenPairExists(t *testing.T) {
	dir := t.TempDir()
	_, err := Setup(&Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	first, err := os.ReadFile(filepath.Join(dir, "api.crt"))
	require.NoError(t, err)

	_, err = Setup(&Config{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	second, err := os.ReadFile(filepath.Join(dir, "api.crt"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestReloadingCertRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	outside := filepath.Join(t.TempDir(), "other.key")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o600))

	_, err := readWithin(dir, outside)
	require.Error(t, err)
}
