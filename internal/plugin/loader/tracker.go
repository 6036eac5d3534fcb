package loader

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sort"
	"sync"
)

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Tracker is the snapshot of manifests the reloader last acted on: content
// hash and dependency list per plugin name.
type Tracker struct {
	mu     sync.RWMutex
	hashes map[string]string
	deps   map[string][]string
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		hashes: make(map[string]string),
		deps:   make(map[string][]string),
	}
}

// Diff is the result of comparing discovery output with the tracker.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether nothing needs to be done.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff computes added, removed and changed names, each sorted.
func (t *Tracker) Diff(current map[string]Discovered) Diff {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var d Diff
	for name, disc := range current {
		prev, tracked := t.hashes[name]
		switch {
		case !tracked:
			d.Added = append(d.Added, name)
		case prev != disc.Hash:
			d.Changed = append(d.Changed, name)
		}
	}
	for name := range t.hashes {
		if _, ok := current[name]; !ok {
			d.Removed = append(d.Removed, name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// Track records the hash and dependencies of a manifest.
func (t *Tracker) Track(disc Discovered) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hashes[disc.Manifest.Name] = disc.Hash
	t.deps[disc.Manifest.Name] = slices.Clone(disc.Manifest.Dependencies)
}

// Untrack forgets a plugin.
func (t *Tracker) Untrack(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.hashes, name)
	delete(t.deps, name)
}

// DepsChanged reports whether disc declares a different dependency list
// than the tracked snapshot.
func (t *Tracker) DepsChanged(disc Discovered) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !slices.Equal(t.deps[disc.Manifest.Name], disc.Manifest.Dependencies)
}

// Hash returns the tracked hash for name.
func (t *Tracker) Hash(name string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.hashes[name]
	return h, ok
}

// Snapshot returns a copy of the tracked name to hash mapping.
func (t *Tracker) Snapshot() map[string]string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]string, len(t.hashes))
	for k, v := range t.hashes {
		out[k] = v
	}
	return out
}

// Names returns the tracked names, sorted.
func (t *Tracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.hashes))
	for name := range t.hashes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
