package synth

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// Synthesize merges the preset section, the user raw block, and the proxy
// entries into one final config document. It is a pure function: identical
// inputs produce byte-identical output.
func Synthesize(role Role, preset Preset, userRaw string, entries EntrySet) []byte {
	var b strings.Builder
	b.WriteString("# Generated by frpbridge. Manual edits are overwritten on regeneration.\n")
	b.WriteString(preset.section(role))

	if raw := strings.TrimSpace(userRaw); raw != "" {
		b.WriteString("\n")
		b.WriteString(raw)
		b.WriteString("\n")
	}

	for _, e := range entries.Sorted() {
		b.WriteString("\n[[proxies]]\n")
		writeEntry(&b, e)
	}
	return []byte(b.String())
}

// writeEntry serializes one proxy block. Scalar fields are emitted in a fixed
// order, extra keys sorted last, so diffs stay minimal.
func writeEntry(b *strings.Builder, e Entry) {
	fmt.Fprintf(b, "name = %q\n", e.Name)
	fmt.Fprintf(b, "type = %q\n", e.Kind)
	if e.LocalIP != "" {
		fmt.Fprintf(b, "localIP = %q\n", e.LocalIP)
	}
	if e.LocalPort != 0 {
		fmt.Fprintf(b, "localPort = %d\n", e.LocalPort)
	}
	if e.RemotePort != 0 {
		fmt.Fprintf(b, "remotePort = %d\n", e.RemotePort)
	}
	if e.Subdomain != "" {
		fmt.Fprintf(b, "subdomain = %q\n", e.Subdomain)
	}
	if len(e.CustomDomains) > 0 {
		quoted := make([]string, len(e.CustomDomains))
		for i, d := range e.CustomDomains {
			quoted[i] = fmt.Sprintf("%q", d)
		}
		fmt.Fprintf(b, "customDomains = [%s]\n", strings.Join(quoted, ", "))
	}
	if e.SecretKey != "" {
		fmt.Fprintf(b, "secretKey = %q\n", e.SecretKey)
	}
	if len(e.Extra) > 0 {
		keys := make([]string, 0, len(e.Extra))
		for k := range e.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(b, "%s = %q\n", k, e.Extra[k])
		}
	}
}

type proxyDoc struct {
	Proxies []Entry `toml:"proxies"`
}

// ParseEntries decodes the proxy blocks back out of a synthesized document.
// Used for round-trip verification and for importing hand-edited configs.
func ParseEntries(data []byte) (EntrySet, error) {
	var doc proxyDoc
	if _, err := toml.Decode(string(data), &doc); err != nil {
		return nil, fmt.Errorf("parse proxies: %w", err)
	}
	set := make(EntrySet, len(doc.Proxies))
	for _, e := range doc.Proxies {
		if _, dup := set[e.Name]; dup {
			return nil, fmt.Errorf("duplicate proxy name %q", e.Name)
		}
		set[e.Name] = e
	}
	return set, nil
}

// WriteFile writes the synthesized document to path. By default an existing
// file is left untouched so manual direct edits between runs survive; force
// bypasses that shortcut. The write goes through a temp file and rename so a
// crash never leaves a half-written config.
func WriteFile(path string, data []byte, force bool) (bool, error) {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return false, nil
		}
	}
	return true, writeAtomic(path, data)
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".frpbridge-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
