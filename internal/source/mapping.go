package source

import (
	"encoding/json"
	"fmt"
	"maps"
	"os"
)

// NameMapping translates canonical filenames to the names a source publishes
// them under. Lookups are exact and case-sensitive; a missing entry means the
// source cannot serve the asset.
type NameMapping struct {
	entries map[string]string
}

// NewNameMapping copies m into an immutable mapping.
func NewNameMapping(m map[string]string) NameMapping {
	return NameMapping{entries: maps.Clone(m)}
}

// LoadNameMapping reads a flat JSON object of canonical → published filenames.
func LoadNameMapping(path string) (NameMapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NameMapping{}, fmt.Errorf("read mapping file: %w", err)
	}

	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return NameMapping{}, fmt.Errorf("parse mapping file %s: %w", path, err)
	}

	return NameMapping{entries: entries}, nil
}

// Lookup returns the published filename for name.
func (m NameMapping) Lookup(name string) (string, bool) {
	published, ok := m.entries[name]
	if !ok || published == "" {
		return "", false
	}

	return published, true
}

// Len returns the number of entries.
func (m NameMapping) Len() int {
	return len(m.entries)
}
