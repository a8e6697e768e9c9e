package storage

import (
	"os"
	"path/filepath"
	"testing"
)

func TestModeRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if got := s.Mode(); got != "" {
		t.Fatalf("fresh store mode = %q", got)
	}
	if err := s.SetMode("client"); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if got := s.Mode(); got != "client" {
		t.Fatalf("mode = %q, want client", got)
	}

	// A new store over the same directory reads the persisted value.
	again := New(dir)
	if got := again.Mode(); got != "client" {
		t.Fatalf("reloaded mode = %q, want client", got)
	}
}

func TestUpdatePreservesUnrelatedFields(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	if err := s.UpdateApp(func(a *AppSettings) { a.Theme = "dark" }); err != nil {
		t.Fatal(err)
	}
	if err := s.SetMode("server"); err != nil {
		t.Fatal(err)
	}

	app, err := New(dir).App()
	if err != nil {
		t.Fatal(err)
	}
	if app.Theme != "dark" || app.Mode != "server" {
		t.Fatalf("fields lost across updates: %+v", app)
	}
}

func TestPackageUpdate(t *testing.T) {
	s := New(t.TempDir())

	if err := s.UpdatePackage(func(p *PackageInfo) {
		p.Version = "0.61.0"
		p.Status = PackageUpdating
	}); err != nil {
		t.Fatal(err)
	}
	pkg, err := s.Package()
	if err != nil {
		t.Fatal(err)
	}
	if pkg.Version != "0.61.0" || pkg.Status != PackageUpdating {
		t.Fatalf("package = %+v", pkg)
	}
}

func TestCorruptFileSurfacesError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.json"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := New(dir).App(); err == nil {
		t.Fatal("expected parse error for corrupt file")
	}
}
