package logix

import (
	"sort"
	"sync"

	"eiptag/cip"
)

// TagMetadata describes one controller tag.
type TagMetadata struct {
	Name         string
	Type         DataType
	ElementCount int
	Dimensions   []int

	// Instance is the Symbol object instance, 0 when the tag was resolved by
	// name rather than discovered.
	Instance uint32

	// Token is the request path used to address the tag.
	Token cip.Path
}

// IsArray reports whether the tag has at least one dimension.
func (m TagMetadata) IsArray() bool {
	return len(m.Dimensions) > 0
}

// Directory caches resolved tag metadata for one client. Entries are keyed by
// the exact, case-sensitive tag name.
type Directory struct {
	mu   sync.RWMutex
	tags map[string]TagMetadata
}

func newDirectory() *Directory {
	return &Directory{tags: make(map[string]TagMetadata)}
}

func (d *Directory) Get(name string) (TagMetadata, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.tags[name]
	return m, ok
}

func (d *Directory) Put(m TagMetadata) {
	d.mu.Lock()
	d.tags[m.Name] = m
	d.mu.Unlock()
}

// putAll commits a page of entries under one lock.
func (d *Directory) putAll(ms []TagMetadata) {
	d.mu.Lock()
	for _, m := range ms {
		d.tags[m.Name] = m
	}
	d.mu.Unlock()
}

func (d *Directory) Evict(name string) {
	d.mu.Lock()
	delete(d.tags, name)
	d.mu.Unlock()
}

func (d *Directory) Clear() {
	d.mu.Lock()
	clear(d.tags)
	d.mu.Unlock()
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.tags)
}

// Snapshot returns all entries sorted by name.
func (d *Directory) Snapshot() []TagMetadata {
	d.mu.RLock()
	out := make([]TagMetadata, 0, len(d.tags))
	for _, m := range d.tags {
		out = append(out, m)
	}
	d.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
