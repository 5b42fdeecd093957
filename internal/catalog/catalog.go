// Package catalog describes the downloadable assets and builds the asset
// list from the index documents published by indexed sources.
package catalog

import (
	"path"
	"regexp"
	"slices"
	"strconv"
)

// Asset identifies one downloadable archive independently of any source.
type Asset struct {
	Key  string `json:"key"`
	Name string `json:"name"`
	// RelativePath is the canonical path below a mirror's base URL, e.g. "281990/dlc007.zip".
	RelativePath string `json:"relative_path"`
	NumericIndex int    `json:"numeric_index"`
	// HasIndex is false when no number could be derived from the key; such
	// assets cannot be served by range-split sources.
	HasIndex bool   `json:"has_index"`
	Size     int64  `json:"size,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Filename is the last element of the relative path.
func (a Asset) Filename() string {
	return path.Base(a.RelativePath)
}

var keyDigits = regexp.MustCompile(`\d+`)

// ParseIndex extracts the numeric index from an asset key such as "dlc007".
func ParseIndex(key string) (int, bool) {
	digits := keyDigits.FindString(key)
	if digits == "" {
		return 0, false
	}

	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0, false
	}

	return n, true
}

// Catalog is an ordered, immutable set of assets keyed by Asset.Key.
type Catalog struct {
	assets []Asset
	byKey  map[string]int
}

// New builds a catalog from assets. The first asset wins when keys repeat.
// Assets are ordered by numeric index, then key.
func New(assets []Asset) *Catalog {
	c := &Catalog{byKey: make(map[string]int, len(assets))}

	for _, a := range assets {
		if _, dup := c.byKey[a.Key]; dup {
			continue
		}

		c.byKey[a.Key] = -1
		c.assets = append(c.assets, a)
	}

	slices.SortStableFunc(c.assets, func(a, b Asset) int {
		switch {
		case a.HasIndex && !b.HasIndex:
			return -1
		case !a.HasIndex && b.HasIndex:
			return 1
		case a.NumericIndex != b.NumericIndex:
			return a.NumericIndex - b.NumericIndex
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		default:
			return 0
		}
	})

	for i, a := range c.assets {
		c.byKey[a.Key] = i
	}

	return c
}

// Lookup returns the asset with the given key.
func (c *Catalog) Lookup(key string) (Asset, bool) {
	i, ok := c.byKey[key]
	if !ok {
		return Asset{}, false
	}

	return c.assets[i], true
}

// Assets returns every asset in catalog order.
func (c *Catalog) Assets() []Asset {
	return slices.Clone(c.assets)
}

// Len returns the number of assets.
func (c *Catalog) Len() int {
	return len(c.assets)
}
