package capability

import (
	"encoding/json"
	"strings"
)

// Index is the process-wide, read-only Capability Index: a pure-read
// mapping from intent name to its CapabilityEntry and template text,
// built once at startup.
type Index struct {
	entries   map[string]Entry
	templates map[string]string

	manifest       CompactManifest
	manifestTokens int
}

// CompactManifest is an ultra-compact listing of every known intent,
// supplemented from capabilities.py's get_mini_manifest: agents (or the
// orchestrator's token-budget check) load this before deciding whether to
// materialize a template at all.
type CompactManifest struct {
	Version int                `json:"v"`
	Caps    []CompactManifestEntry `json:"caps"`
}

// CompactManifestEntry is one row of the compact manifest.
type CompactManifestEntry struct {
	Name       string `json:"n"`
	Category   string `json:"c"`
	Complexity string `json:"x"`
}

// NewIndex builds an Index from loaded entries and their template bodies.
// Lookup misses return false, never an error.
func NewIndex(entries []Entry, templates map[string]string) *Index {
	idx := &Index{
		entries:   make(map[string]Entry, len(entries)),
		templates: templates,
	}
	for _, e := range entries {
		idx.entries[e.Name] = e
	}
	idx.computeManifest()
	return idx
}

func (idx *Index) computeManifest() {
	m := CompactManifest{Version: 1}
	for _, e := range idx.entries {
		m.Caps = append(m.Caps, CompactManifestEntry{Name: e.Name, Category: e.Category, Complexity: e.Complexity})
	}
	idx.manifest = m

	data, _ := json.Marshal(m)
	idx.manifestTokens = len(data) / 4
}

// Lookup returns the CapabilityEntry for name. The boolean is false on a
// miss — an unknown intent is reported this way, not as an error.
func (idx *Index) Lookup(name string) (Entry, bool) {
	e, ok := idx.entries[name]
	return e, ok
}

// Template returns the template text for templateID.
func (idx *Index) Template(templateID string) (string, bool) {
	t, ok := idx.templates[templateID]
	return t, ok
}

// Search matches name/category/complexity substrings against query,
// returning matching intent names.
func (idx *Index) Search(query string) []string {
	q := strings.ToLower(query)
	var matches []string
	for name, e := range idx.entries {
		searchable := strings.ToLower(name + " " + e.Category + " " + e.Complexity)
		if strings.Contains(searchable, q) {
			matches = append(matches, name)
		}
	}
	return matches
}

// Manifest returns the compact manifest and its estimated token cost.
func (idx *Index) Manifest() (CompactManifest, int) {
	return idx.manifest, idx.manifestTokens
}

// Len returns the number of loaded capabilities.
func (idx *Index) Len() int {
	return len(idx.entries)
}
