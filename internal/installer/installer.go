// Package installer fetches frp release binaries and places them where the
// supervisor expects them. Installs are single-flight: a second request while
// one is running is rejected instead of queued.
package installer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/loykin/frpbridge/internal/event"
	"github.com/loykin/frpbridge/internal/storage"
)

// DefaultReleaseAPI is the upstream release feed.
const DefaultReleaseAPI = "https://api.github.com/repos/fatedier/frp/releases/latest"

// ErrInstallInProgress means another install is already running.
var ErrInstallInProgress = errors.New("install already in progress")

// Installer downloads, verifies and unpacks frp releases into its binary
// directory, publishing progress events while it works.
type Installer struct {
	binDir  string
	storage *storage.Store
	events  *event.Broadcaster
	logger  *slog.Logger
	http    *http.Client
	apiURL  string

	mu         sync.Mutex
	installing bool
}

func New(binDir string, st *storage.Store, events *event.Broadcaster, lg *slog.Logger) *Installer {
	if lg == nil {
		lg = slog.Default()
	}
	return &Installer{
		binDir:  binDir,
		storage: st,
		events:  events,
		logger:  lg,
		http:    &http.Client{Timeout: 10 * time.Minute},
		apiURL:  DefaultReleaseAPI,
	}
}

// SetReleaseAPI overrides the release feed, used by tests and mirrors.
func (i *Installer) SetReleaseAPI(url string) { i.apiURL = url }

type releaseAsset struct {
	Name        string `json:"name"`
	DownloadURL string `json:"browser_download_url"`
	Size        int64  `json:"size"`
}

type release struct {
	TagName string         `json:"tag_name"`
	Name    string         `json:"name"`
	Assets  []releaseAsset `json:"assets"`
}

// CheckResult compares the installed version against upstream.
type CheckResult struct {
	CurrentVersion  string `json:"currentVersion,omitempty"`
	LatestVersion   string `json:"latestVersion"`
	ReleaseName     string `json:"releaseName,omitempty"`
	DownloadURL     string `json:"downloadUrl"`
	UpdateAvailable bool   `json:"updateAvailable"`
}

// Check fetches the latest release and reports whether an update applies.
func (i *Installer) Check(ctx context.Context) (CheckResult, error) {
	rel, err := i.latestRelease(ctx)
	if err != nil {
		return CheckResult{}, err
	}
	asset, err := pickAsset(rel)
	if err != nil {
		return CheckResult{}, err
	}
	pkg, err := i.storage.Package()
	if err != nil {
		return CheckResult{}, err
	}
	res := CheckResult{
		CurrentVersion:  pkg.Version,
		LatestVersion:   strings.TrimPrefix(rel.TagName, "v"),
		ReleaseName:     rel.Name,
		DownloadURL:     asset.DownloadURL,
		UpdateAvailable: pkg.Version != strings.TrimPrefix(rel.TagName, "v"),
	}
	i.publish(event.TypeInstallCheck, res)
	return res, nil
}

// Install runs a full check-download-extract cycle synchronously. Callers
// wanting fire-and-forget run it in a goroutine and watch the event stream.
func (i *Installer) Install(ctx context.Context) error {
	i.mu.Lock()
	if i.installing {
		i.mu.Unlock()
		return ErrInstallInProgress
	}
	i.installing = true
	i.mu.Unlock()
	defer func() {
		i.mu.Lock()
		i.installing = false
		i.mu.Unlock()
	}()

	err := i.install(ctx)
	if err != nil && !errors.Is(err, errUpToDate) {
		i.publish(event.TypeInstallError, map[string]string{"error": err.Error()})
		_ = i.storage.UpdatePackage(func(p *storage.PackageInfo) { p.Status = storage.PackageIdle })
		return err
	}
	return nil
}

var errUpToDate = errors.New("already up to date")

func (i *Installer) install(ctx context.Context) error {
	check, err := i.Check(ctx)
	if err != nil {
		return err
	}
	if !check.UpdateAvailable {
		i.publish(event.TypeInstallUpToDate, map[string]string{"version": check.CurrentVersion})
		return errUpToDate
	}

	if err := i.storage.UpdatePackage(func(p *storage.PackageInfo) {
		p.Status = storage.PackageUpdating
	}); err != nil {
		return err
	}

	i.publish(event.TypeInstallStart, map[string]string{
		"version": check.LatestVersion,
		"url":     check.DownloadURL,
	})

	archive, err := i.download(ctx, check.DownloadURL)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer func() { _ = os.Remove(archive) }()

	if err := os.MkdirAll(i.binDir, 0o750); err != nil {
		return err
	}
	if err := extractBinaries(archive, i.binDir); err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	if err := i.storage.UpdatePackage(func(p *storage.PackageInfo) {
		p.Version = check.LatestVersion
		p.ReleaseName = check.ReleaseName
		p.DownloadURL = check.DownloadURL
		p.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
		p.Status = storage.PackageIdle
	}); err != nil {
		return err
	}

	i.publish(event.TypeInstallComplete, map[string]string{"version": check.LatestVersion})
	i.logger.Info("frp installed", "version", check.LatestVersion, "dir", i.binDir)
	return nil
}

func (i *Installer) latestRelease(ctx context.Context) (release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.apiURL, nil)
	if err != nil {
		return release{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := i.http.Do(req)
	if err != nil {
		return release{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return release{}, fmt.Errorf("release api: status %d", resp.StatusCode)
	}
	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return release{}, err
	}
	return rel, nil
}

// pickAsset selects the archive matching this platform, e.g.
// frp_0.61.0_linux_amd64.tar.gz.
func pickAsset(rel release) (releaseAsset, error) {
	want := fmt.Sprintf("_%s_%s.", runtime.GOOS, runtime.GOARCH)
	for _, a := range rel.Assets {
		if strings.Contains(a.Name, want) &&
			(strings.HasSuffix(a.Name, ".tar.gz") || strings.HasSuffix(a.Name, ".zip")) {
			return a, nil
		}
	}
	return releaseAsset{}, fmt.Errorf("no release asset for %s/%s", runtime.GOOS, runtime.GOARCH)
}

// download streams the archive to a temp file, publishing progress as whole
// percent steps so subscribers are not flooded.
func (i *Installer) download(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := i.http.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "frpbridge-dl-*"+archiveExt(url))
	if err != nil {
		return "", err
	}
	name := tmp.Name()

	pr := &progressReader{
		r:     resp.Body,
		total: resp.ContentLength,
		emit: func(pct int, done, total int64) {
			i.publish(event.TypeInstallProgress, map[string]any{
				"percent": pct, "downloaded": done, "total": total,
			})
		},
	}
	_, copyErr := io.Copy(tmp, pr)
	closeErr := tmp.Close()
	if copyErr != nil {
		_ = os.Remove(name)
		return "", copyErr
	}
	if closeErr != nil {
		_ = os.Remove(name)
		return "", closeErr
	}
	return name, nil
}

func archiveExt(url string) string {
	if strings.HasSuffix(url, ".zip") {
		return ".zip"
	}
	return ".tar.gz"
}

type progressReader struct {
	r     io.Reader
	total int64
	done  int64
	last  int
	emit  func(pct int, done, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.total > 0 {
		pct := int(p.done * 100 / p.total)
		if pct != p.last {
			p.last = pct
			p.emit(pct, p.done, p.total)
		}
	}
	return n, err
}

func (i *Installer) publish(t event.Type, payload any) {
	if i.events != nil {
		i.events.Publish(event.New(t, payload))
	}
}
