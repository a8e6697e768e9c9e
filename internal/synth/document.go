package synth

import (
	"fmt"
	"sync"
	"time"
)

// Document is the mutable configuration state for one bridge instance.
// Mutations happen only through command bus handlers; everything else reads
// snapshots. The version counter is informational (last-write-wins policy);
// it advances only through BumpVersion.
type Document struct {
	mu       sync.RWMutex
	role     Role
	preset   Preset
	userRaw  string
	entries  EntrySet
	version  uint64
	lastSave time.Time
}

// NewDocument creates a document for the given role.
func NewDocument(role Role) *Document {
	return &Document{role: role, entries: make(EntrySet)}
}

// Role returns the document's role.
func (d *Document) Role() Role {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.role
}

// SetPreset replaces the structured preset.
func (d *Document) SetPreset(p Preset) {
	d.mu.Lock()
	d.preset = p
	d.mu.Unlock()
}

// Preset returns the current preset.
func (d *Document) Preset() Preset {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.preset
}

// SetUserRaw replaces the operator's free-form block.
func (d *Document) SetUserRaw(raw string) {
	d.mu.Lock()
	d.userRaw = raw
	d.mu.Unlock()
}

// UserRaw returns the operator's free-form block.
func (d *Document) UserRaw() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.userRaw
}

// AddEntry inserts a new proxy entry. A name collision is a conflict error;
// updates must go through UpdateEntry.
func (d *Document) AddEntry(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[e.Name]; exists {
		return fmt.Errorf("proxy %q already exists", e.Name)
	}
	d.entries[e.Name] = e
	return nil
}

// UpdateEntry replaces an existing proxy entry by name.
func (d *Document) UpdateEntry(e Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[e.Name]; !exists {
		return fmt.Errorf("proxy %q not found", e.Name)
	}
	d.entries[e.Name] = e
	return nil
}

// RemoveEntry deletes a proxy entry by name.
func (d *Document) RemoveEntry(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.entries[name]; !exists {
		return fmt.Errorf("proxy %q not found", name)
	}
	delete(d.entries, name)
	return nil
}

// Entries returns a copy of the current entry set.
func (d *Document) Entries() EntrySet {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entries.Clone()
}

// Synthesize renders the document to its final config text.
func (d *Document) Synthesize() []byte {
	d.mu.RLock()
	role, preset, raw, entries := d.role, d.preset, d.userRaw, d.entries.Clone()
	d.mu.RUnlock()
	return Synthesize(role, preset, raw, entries)
}

// Version returns the current version counter.
func (d *Document) Version() uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.version
}

// BumpVersion increments the version counter and records the write time.
// Returns the new version.
func (d *Document) BumpVersion() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.version++
	d.lastSave = time.Now()
	return d.version
}

// LastApplied returns when the document last had a version bump; zero time
// when it never has.
func (d *Document) LastApplied() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSave
}
