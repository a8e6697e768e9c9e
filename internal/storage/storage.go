// Package storage persists small JSON documents, one file per logical
// namespace, under <workdir>/storages. The core reads and writes a handful of
// named fields; the file format is an implementation detail kept here.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// document is a generic load-on-first-read, write-through JSON file.
type document[T any] struct {
	mu     sync.Mutex
	path   string
	loaded bool
	value  T
}

func newDocument[T any](dir, name string) *document[T] {
	return &document[T]{path: filepath.Join(dir, name+".json")}
}

func (d *document[T]) load() error {
	if d.loaded {
		return nil
	}
	b, err := os.ReadFile(d.path)
	if err == nil && len(b) > 0 {
		if err := json.Unmarshal(b, &d.value); err != nil {
			return err
		}
	} else if err != nil && !os.IsNotExist(err) {
		return err
	}
	d.loaded = true
	return nil
}

// Get returns the current document value.
func (d *document[T]) Get() (T, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	err := d.load()
	return d.value, err
}

// Update applies fn to the document under lock and persists the result
// atomically (temp file + rename).
func (d *document[T]) Update(fn func(*T)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.load(); err != nil {
		return err
	}
	fn(&d.value)
	return d.persist()
}

func (d *document[T]) persist() error {
	b, err := json.MarshalIndent(d.value, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".storage-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, d.path)
}

// AppSettings is the app namespace schema. The core only reads Mode; the
// remaining fields belong to the console layer and round-trip untouched.
type AppSettings struct {
	Mode     string `json:"mode,omitempty"`
	Theme    string `json:"theme,omitempty"`
	Username string `json:"username,omitempty"`
}

// PackageStatus marks whether an install is in flight.
type PackageStatus string

const (
	PackageIdle     PackageStatus = "idle"
	PackageUpdating PackageStatus = "updating"
)

// PackageInfo is the package namespace schema: facts about the installed frp
// release, written by the installer and read by the bridge.
type PackageInfo struct {
	Version     string        `json:"version,omitempty"`
	ReleaseName string        `json:"releaseName,omitempty"`
	DownloadURL string        `json:"downloadUrl,omitempty"`
	UpdatedAt   string        `json:"updatedAt,omitempty"`
	Status      PackageStatus `json:"status,omitempty"`
}

// Store groups the bridge's persisted namespaces.
type Store struct {
	app *document[AppSettings]
	pkg *document[PackageInfo]
}

// New opens (lazily) the storage files under dir.
func New(dir string) *Store {
	return &Store{
		app: newDocument[AppSettings](dir, "app"),
		pkg: newDocument[PackageInfo](dir, "package"),
	}
}

func (s *Store) App() (AppSettings, error)          { return s.app.Get() }
func (s *Store) UpdateApp(fn func(*AppSettings)) error { return s.app.Update(fn) }

func (s *Store) Package() (PackageInfo, error)          { return s.pkg.Get() }
func (s *Store) UpdatePackage(fn func(*PackageInfo)) error { return s.pkg.Update(fn) }

// Mode returns the persisted role string, empty when never set.
func (s *Store) Mode() string {
	app, err := s.app.Get()
	if err != nil {
		return ""
	}
	return app.Mode
}

// SetMode persists the role string.
func (s *Store) SetMode(mode string) error {
	return s.app.Update(func(a *AppSettings) { a.Mode = mode })
}
