// Package source holds the configured download origins and the rules used
// to validate them. A Registry is immutable once loaded; a reload builds a
// new Registry and swaps it in through a Holder.
package source

import (
	"strings"
)

// Kind names the URL shape a source publishes assets under.
type Kind string

const (
	KindDirect        Kind = "direct"
	KindIndexed       Kind = "indexed"
	KindReleaseMapped Kind = "release_mapped"
	KindReleaseRanged Kind = "release_ranged"
)

// defaultTestPath is appended to the base URL when a source has no explicit test URL.
const defaultTestPath = "test/test.bin"

// Layout is the closed set of source formats. Each variant carries only the
// fields its format needs.
type Layout interface {
	Kind() Kind
	sealed()
}

// Direct sources mirror the canonical layout exactly.
type Direct struct{}

// Indexed sources mirror the canonical layout and also publish an index
// document used to build the catalog.
type Indexed struct {
	IndexURL string
}

// ReleaseMapped sources publish every asset under a renamed file directly below the base URL.
type ReleaseMapped struct {
	Mapping NameMapping
}

// ReleaseRanged sources publish renamed files split across release tags by numeric index.
type ReleaseRanged struct {
	Mapping NameMapping
	Ranges  []Range
}

// Range maps the inclusive index interval [Min, Max] to a release tag.
type Range struct {
	Tag string
	Min int
	Max int
}

func (Direct) Kind() Kind        { return KindDirect }
func (Indexed) Kind() Kind       { return KindIndexed }
func (ReleaseMapped) Kind() Kind { return KindReleaseMapped }
func (ReleaseRanged) Kind() Kind { return KindReleaseRanged }

func (Direct) sealed()        {}
func (Indexed) sealed()       {}
func (ReleaseMapped) sealed() {}
func (ReleaseRanged) sealed() {}

// TagFor returns the tag of the range containing index. Ranges are sorted and
// non-overlapping, so at most one matches.
func (r ReleaseRanged) TagFor(index int) (string, bool) {
	for _, rng := range r.Ranges {
		if index >= rng.Min && index <= rng.Max {
			return rng.Tag, true
		}
	}

	return "", false
}

// IndexDocumentURL returns where the source publishes its index document.
func (i Indexed) IndexDocumentURL(baseURL string) string {
	if i.IndexURL != "" {
		return i.IndexURL
	}

	return JoinURL(baseURL, "index.json")
}

// Source is one configured remote origin.
type Source struct {
	Name     string
	BaseURL  string
	Priority int
	Enabled  bool
	// Threshold is the throughput in bytes per second a probe must reach for
	// the source to be eligible for the fast tier. Zero opts the source out.
	Threshold float64
	TestURL   string
	Layout    Layout

	order int
}

// Kind reports the source format.
func (s Source) Kind() Kind {
	if s.Layout == nil {
		return ""
	}

	return s.Layout.Kind()
}

// ProbeURL is the stable URL sampled by speed probes.
func (s Source) ProbeURL() string {
	if s.TestURL != "" {
		return s.TestURL
	}

	return JoinURL(s.BaseURL, defaultTestPath)
}

// JoinURL joins a base URL and a relative path with exactly one slash between them.
func JoinURL(base string, parts ...string) string {
	out := strings.TrimRight(base, "/")

	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}

		out += "/" + p
	}

	return out
}
