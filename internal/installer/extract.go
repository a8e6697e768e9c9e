package installer

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// binaryNames are the files worth pulling out of a release archive.
var binaryNames = map[string]bool{
	"frps": true, "frpc": true,
	"frps.exe": true, "frpc.exe": true,
}

// extractBinaries unpacks the frps/frpc executables from a release archive
// into destDir with mode 0755. Everything else in the archive is skipped.
func extractBinaries(archivePath, destDir string) error {
	if strings.HasSuffix(archivePath, ".zip") {
		return extractZip(archivePath, destDir)
	}
	return extractTarGz(archivePath, destDir)
}

func extractTarGz(path, destDir string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer func() { _ = gz.Close() }()

	found := 0
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		name := filepath.Base(hdr.Name)
		if hdr.Typeflag != tar.TypeReg || !binaryNames[name] {
			continue
		}
		if err := writeBinary(filepath.Join(destDir, name), tr); err != nil {
			return err
		}
		found++
	}
	if found == 0 {
		return fmt.Errorf("no frp binaries in %s", filepath.Base(path))
	}
	return nil
}

func extractZip(path, destDir string) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = zr.Close() }()

	found := 0
	for _, zf := range zr.File {
		name := filepath.Base(zf.Name)
		if zf.FileInfo().IsDir() || !binaryNames[name] {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return err
		}
		err = writeBinary(filepath.Join(destDir, name), rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
		found++
	}
	if found == 0 {
		return fmt.Errorf("no frp binaries in %s", filepath.Base(path))
	}
	return nil
}

// writeBinary lands the content next to its final name and only then renames,
// so a crashed install never leaves a truncated executable in place.
func writeBinary(dest string, r io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".extract-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, 0o755); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, dest)
}
