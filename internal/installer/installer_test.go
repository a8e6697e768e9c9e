package installer

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/frpbridge/internal/event"
	"github.com/loykin/frpbridge/internal/storage"
)

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o755, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeTemp(t *testing.T, suffix string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archive"+suffix)
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func TestExtractTarGz(t *testing.T) {
	archive := writeTemp(t, ".tar.gz", makeTarGz(t, map[string]string{
		"frp_0.61.0_linux_amd64/frps":      "server-bin",
		"frp_0.61.0_linux_amd64/frpc":      "client-bin",
		"frp_0.61.0_linux_amd64/README.md": "docs",
	}))
	dest := t.TempDir()
	require.NoError(t, extractBinaries(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "frps"))
	require.NoError(t, err)
	assert.Equal(t, "server-bin", string(data))

	info, err := os.Stat(filepath.Join(dest, "frpc"))
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
	}
	_, err = os.Stat(filepath.Join(dest, "README.md"))
	assert.True(t, os.IsNotExist(err), "non-binary files must be skipped")
}

func TestExtractZip(t *testing.T) {
	archive := writeTemp(t, ".zip", makeZip(t, map[string]string{
		"frp_0.61.0_windows_amd64/frps.exe": "server-bin",
		"frp_0.61.0_windows_amd64/LICENSE":  "legal",
	}))
	dest := t.TempDir()
	require.NoError(t, extractBinaries(archive, dest))

	data, err := os.ReadFile(filepath.Join(dest, "frps.exe"))
	require.NoError(t, err)
	assert.Equal(t, "server-bin", string(data))
}

func TestExtractNoBinaries(t *testing.T) {
	archive := writeTemp(t, ".tar.gz", makeTarGz(t, map[string]string{"README.md": "docs"}))
	err := extractBinaries(archive, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no frp binaries")
}

func TestPickAsset(t *testing.T) {
	platform := fmt.Sprintf("_%s_%s", runtime.GOOS, runtime.GOARCH)
	rel := release{Assets: []releaseAsset{
		{Name: "frp_0.61.0_freebsd_386.tar.gz"},
		{Name: "frp_0.61.0" + platform + ".tar.gz.sha256"},
		{Name: "frp_0.61.0" + platform + ".tar.gz", DownloadURL: "http://x/ok"},
	}}
	asset, err := pickAsset(rel)
	require.NoError(t, err)
	assert.Equal(t, "http://x/ok", asset.DownloadURL)

	_, err = pickAsset(release{Assets: []releaseAsset{{Name: "frp_0.61.0_plan9_mips.tar.gz"}}})
	require.Error(t, err)
}

func TestProgressReaderWholePercentSteps(t *testing.T) {
	var steps []int
	pr := &progressReader{
		r:     bytes.NewReader(bytes.Repeat([]byte("x"), 1000)),
		total: 1000,
		emit:  func(pct int, _, _ int64) { steps = append(steps, pct) },
	}
	buf := make([]byte, 100)
	for {
		if _, err := pr.Read(buf); err != nil {
			break
		}
	}
	require.NotEmpty(t, steps)
	assert.Equal(t, 100, steps[len(steps)-1])
	for i := 1; i < len(steps); i++ {
		assert.Greater(t, steps[i], steps[i-1])
	}
}

// releaseFixture serves a fake release feed plus the archive it points at.
func releaseFixture(t *testing.T, tag string, archive []byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		name := fmt.Sprintf("frp_%s_%s_%s.tar.gz", strings.TrimPrefix(tag, "v"), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(w, `{"tag_name":%q,"name":"release %s","assets":[{"name":%q,"browser_download_url":%q}]}`,
			tag, tag, name, srv.URL+"/archive.tar.gz")
	})
	mux.HandleFunc("/archive.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(archive)))
		_, _ = w.Write(archive)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestInstaller(t *testing.T, srv *httptest.Server) (*Installer, string, *event.Broadcaster) {
	t.Helper()
	st := storage.New(t.TempDir())
	events := event.NewBroadcaster(nil, 0)
	t.Cleanup(events.Close)
	binDir := filepath.Join(t.TempDir(), "bin")
	inst := New(binDir, st, events, nil)
	inst.SetReleaseAPI(srv.URL + "/release")
	return inst, binDir, events
}

func drainTypes(ch <-chan event.Event) []event.Type {
	var types []event.Type
	for {
		select {
		case ev := <-ch:
			types = append(types, ev.Type)
		case <-time.After(200 * time.Millisecond):
			return types
		}
	}
}

func TestInstallFullCycle(t *testing.T) {
	archive := makeTarGz(t, map[string]string{"frps": "s", "frpc": "c"})
	srv := releaseFixture(t, "v0.61.0", archive)
	inst, binDir, events := newTestInstaller(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := events.Subscribe(ctx)

	require.NoError(t, inst.Install(context.Background()))

	for _, bin := range []string{"frps", "frpc"} {
		_, err := os.Stat(filepath.Join(binDir, bin))
		require.NoError(t, err)
	}
	pkg, err := inst.storage.Package()
	require.NoError(t, err)
	assert.Equal(t, "0.61.0", pkg.Version)
	assert.Equal(t, storage.PackageIdle, pkg.Status)
	assert.NotEmpty(t, pkg.UpdatedAt)

	types := drainTypes(ch)
	assert.Contains(t, types, event.TypeInstallCheck)
	assert.Contains(t, types, event.TypeInstallStart)
	assert.Contains(t, types, event.TypeInstallComplete)
	assert.NotContains(t, types, event.TypeInstallError)
}

func TestInstallUpToDate(t *testing.T) {
	srv := releaseFixture(t, "v0.61.0", nil)
	inst, _, events := newTestInstaller(t, srv)
	require.NoError(t, inst.storage.UpdatePackage(func(p *storage.PackageInfo) {
		p.Version = "0.61.0"
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := events.Subscribe(ctx)

	require.NoError(t, inst.Install(context.Background()))

	types := drainTypes(ch)
	assert.Contains(t, types, event.TypeInstallUpToDate)
	assert.NotContains(t, types, event.TypeInstallStart)
	assert.NotContains(t, types, event.TypeInstallError)
}

func TestInstallSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	archive := makeTarGz(t, map[string]string{"frps": "s"})
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		name := fmt.Sprintf("frp_0.61.0_%s_%s.tar.gz", runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(w, `{"tag_name":"v0.61.0","assets":[{"name":%q,"browser_download_url":%q}]}`,
			name, srv.URL+"/archive.tar.gz")
	})
	mux.HandleFunc("/archive.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		<-gate
		_, _ = w.Write(archive)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	inst, _, _ := newTestInstaller(t, srv)

	done := make(chan error, 1)
	go func() { done <- inst.Install(context.Background()) }()

	require.Eventually(t, func() bool {
		inst.mu.Lock()
		defer inst.mu.Unlock()
		return inst.installing
	}, 2*time.Second, 10*time.Millisecond)

	err := inst.Install(context.Background())
	assert.ErrorIs(t, err, ErrInstallInProgress)

	close(gate)
	require.NoError(t, <-done)
}

func TestInstallDownloadFailurePublishesError(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		name := fmt.Sprintf("frp_0.61.0_%s_%s.tar.gz", runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(w, `{"tag_name":"v0.61.0","assets":[{"name":%q,"browser_download_url":%q}]}`,
			name, srv.URL+"/archive.tar.gz")
	})
	mux.HandleFunc("/archive.tar.gz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	inst, _, events := newTestInstaller(t, srv)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := events.Subscribe(ctx)

	err := inst.Install(context.Background())
	require.Error(t, err)

	types := drainTypes(ch)
	assert.Contains(t, types, event.TypeInstallError)

	pkg, err := inst.storage.Package()
	require.NoError(t, err)
	assert.Equal(t, storage.PackageIdle, pkg.Status, "status reset after a failed install")
}
