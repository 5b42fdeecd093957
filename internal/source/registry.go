package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of the sources file.
type File struct {
	AppScope      string       `yaml:"app_scope"`
	CanonicalRoot string       `yaml:"canonical_root"`
	Policy        PolicyRecord `yaml:"policy"`
	Sources       []Record     `yaml:"sources"`
}

// PolicyRecord names the sources used by the default and guaranteed tiers.
type PolicyRecord struct {
	Default    string `yaml:"default"`
	Guaranteed string `yaml:"guaranteed"`
}

// Record is one source entry of the sources file.
type Record struct {
	Name          string                 `yaml:"name"`
	BaseURL       string                 `yaml:"base_url"`
	Format        string                 `yaml:"format"`
	Priority      int                    `yaml:"priority"`
	Enabled       bool                   `yaml:"enabled"`
	MinThroughput string                 `yaml:"min_throughput"`
	TestURL       string                 `yaml:"test_url"`
	IndexURL      string                 `yaml:"index_url"`
	MappingFile   string                 `yaml:"mapping_file"`
	Mapping       map[string]string      `yaml:"mapping"`
	Releases      map[string]RangeRecord `yaml:"releases"`
}

// RangeRecord is the inclusive numeric interval served by one release tag.
type RangeRecord struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// Policy names the fallback sources of the selection tiers. Either may be empty.
type Policy struct {
	Default    string
	Guaranteed string
}

// Registry is an immutable, validated set of sources.
type Registry struct {
	sources       []Source
	byName        map[string]int
	policy        Policy
	appScope      string
	canonicalRoot string
}

// LoadFile reads and validates a YAML sources file. Relative mapping file
// paths are resolved against the directory of path.
func LoadFile(ctx context.Context, path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Reason: "cannot read sources file", Err: err}
	}

	return Parse(ctx, data, filepath.Dir(path))
}

// Parse decodes a YAML sources document and validates it.
func Parse(ctx context.Context, data []byte, baseDir string) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, &ConfigError{Reason: "malformed sources file", Err: err}
	}

	return Load(ctx, f, baseDir)
}

// Load validates f and builds a Registry from it.
func Load(ctx context.Context, f File, baseDir string) (*Registry, error) {
	logger := logctx.LoggerFromContext(ctx)

	if len(f.Sources) == 0 {
		return nil, &ConfigError{Field: "sources", Reason: "no sources defined"}
	}

	r := &Registry{
		byName:        make(map[string]int, len(f.Sources)),
		policy:        Policy{Default: f.Policy.Default, Guaranteed: f.Policy.Guaranteed},
		appScope:      f.AppScope,
		canonicalRoot: f.CanonicalRoot,
	}

	for i, rec := range f.Sources {
		src, err := buildSource(rec, baseDir)
		if err != nil {
			return nil, err
		}

		if _, dup := r.byName[src.Name]; dup {
			return nil, &ConfigError{Source: src.Name, Field: "name", Reason: "duplicate source name"}
		}

		src.order = i

		if ranged, ok := src.Layout.(ReleaseRanged); ok {
			for _, gap := range rangeGaps(ranged.Ranges) {
				logger.Warn("release ranges leave indices without a source",
					"source", src.Name, "from", gap.Min, "to", gap.Max)
			}
		}

		r.byName[src.Name] = len(r.sources)
		r.sources = append(r.sources, src)
	}

	if len(r.EnabledByPriority()) == 0 {
		return nil, &ConfigError{Field: "sources", Reason: "at least one source must be enabled"}
	}

	for _, p := range []struct{ field, name string }{
		{"policy.default", r.policy.Default},
		{"policy.guaranteed", r.policy.Guaranteed},
	} {
		field, name := p.field, p.name
		if name == "" {
			continue
		}

		src, ok := r.Lookup(name)
		if !ok {
			return nil, &ConfigError{Field: field, Reason: fmt.Sprintf("unknown source %q", name)}
		}

		if !src.Enabled {
			return nil, &ConfigError{Field: field, Reason: fmt.Sprintf("source %q is disabled", name)}
		}
	}

	logger.Debug("source registry loaded", "sources", len(r.sources), "enabled", len(r.EnabledByPriority()))

	return r, nil
}

func buildSource(rec Record, baseDir string) (Source, error) {
	name := strings.TrimSpace(rec.Name)
	if name == "" {
		return Source{}, &ConfigError{Field: "name", Reason: "source name is required"}
	}

	if rec.BaseURL == "" {
		return Source{}, &ConfigError{Source: name, Field: "base_url", Reason: "base URL is required"}
	}

	src := Source{
		Name:     name,
		BaseURL:  rec.BaseURL,
		Priority: rec.Priority,
		Enabled:  rec.Enabled,
		TestURL:  rec.TestURL,
	}

	if rec.MinThroughput != "" {
		bps, err := humanize.ParseBytes(rec.MinThroughput)
		if err != nil {
			return Source{}, &ConfigError{Source: name, Field: "min_throughput", Reason: "not a byte size", Err: err}
		}

		src.Threshold = float64(bps)
	}

	switch Kind(rec.Format) {
	case KindDirect:
		src.Layout = Direct{}
	case KindIndexed:
		src.Layout = Indexed{IndexURL: rec.IndexURL}
	case KindReleaseMapped:
		mapping, err := loadMapping(rec, baseDir)
		if err != nil {
			return Source{}, err
		}

		src.Layout = ReleaseMapped{Mapping: mapping}
	case KindReleaseRanged:
		mapping, err := loadMapping(rec, baseDir)
		if err != nil {
			return Source{}, err
		}

		ranges, err := buildRanges(name, rec.Releases)
		if err != nil {
			return Source{}, err
		}

		src.Layout = ReleaseRanged{Mapping: mapping, Ranges: ranges}
	default:
		return Source{}, &ConfigError{
			Source: name,
			Field:  "format",
			Reason: fmt.Sprintf("unsupported format %q (want direct, indexed, release_mapped or release_ranged)", rec.Format),
		}
	}

	return src, nil
}

// loadMapping reads the mapping of enabled sources. Disabled sources get an
// empty mapping so a missing file does not block startup.
func loadMapping(rec Record, baseDir string) (NameMapping, error) {
	if len(rec.Mapping) > 0 {
		return NewNameMapping(rec.Mapping), nil
	}

	if rec.MappingFile == "" {
		return NameMapping{}, &ConfigError{Source: rec.Name, Field: "mapping_file", Reason: "release formats require a name mapping"}
	}

	if !rec.Enabled {
		return NameMapping{}, nil
	}

	path := rec.MappingFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	mapping, err := LoadNameMapping(path)
	if err != nil {
		return NameMapping{}, &ConfigError{Source: rec.Name, Field: "mapping_file", Reason: "cannot load name mapping", Err: err}
	}

	return mapping, nil
}

func buildRanges(name string, releases map[string]RangeRecord) ([]Range, error) {
	if len(releases) == 0 {
		return nil, &ConfigError{Source: name, Field: "releases", Reason: "release_ranged sources need at least one release range"}
	}

	ranges := make([]Range, 0, len(releases))
	for tag, rr := range releases {
		if tag == "" {
			return nil, &ConfigError{Source: name, Field: "releases", Reason: "empty release tag"}
		}

		if rr.Min > rr.Max {
			return nil, &ConfigError{Source: name, Field: "releases", Reason: fmt.Sprintf("range %q has min %d greater than max %d", tag, rr.Min, rr.Max)}
		}

		ranges = append(ranges, Range{Tag: tag, Min: rr.Min, Max: rr.Max})
	}

	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Min != ranges[j].Min {
			return ranges[i].Min < ranges[j].Min
		}

		return ranges[i].Tag < ranges[j].Tag
	})

	for i := 1; i < len(ranges); i++ {
		prev, cur := ranges[i-1], ranges[i]
		if cur.Min <= prev.Max {
			return nil, &ConfigError{
				Source: name,
				Field:  "releases",
				Reason: fmt.Sprintf("range %q [%d,%d] overlaps %q [%d,%d]", cur.Tag, cur.Min, cur.Max, prev.Tag, prev.Min, prev.Max),
			}
		}
	}

	return ranges, nil
}

// rangeGaps returns the index intervals not covered between sorted ranges.
func rangeGaps(ranges []Range) []Range {
	var gaps []Range

	for i := 1; i < len(ranges); i++ {
		if ranges[i].Min > ranges[i-1].Max+1 {
			gaps = append(gaps, Range{Min: ranges[i-1].Max + 1, Max: ranges[i].Min - 1})
		}
	}

	return gaps
}

// EnabledByPriority returns the enabled sources, lowest priority value first.
// Equal priorities keep declaration order.
func (r *Registry) EnabledByPriority() []Source {
	out := make([]Source, 0, len(r.sources))

	for _, s := range r.sources {
		if s.Enabled {
			out = append(out, s)
		}
	}

	slices.SortStableFunc(out, func(a, b Source) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}

		return a.order - b.order
	})

	return out
}

// All returns every source in declaration order.
func (r *Registry) All() []Source {
	return slices.Clone(r.sources)
}

// Lookup returns the source called name.
func (r *Registry) Lookup(name string) (Source, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Source{}, false
	}

	return r.sources[i], true
}

// Policy returns the configured fallback sources.
func (r *Registry) Policy() Policy {
	return r.policy
}

// AppScope is the key of the index document section holding the catalog.
func (r *Registry) AppScope() string {
	return r.appScope
}

// CanonicalRoot is the URL prefix stripped from index entries to obtain their relative path.
func (r *Registry) CanonicalRoot() string {
	return r.canonicalRoot
}

// Holder publishes the current Registry to concurrent readers. Reloads swap
// the whole registry; it is never mutated in place.
type Holder struct {
	current atomic.Pointer[Registry]
}

// NewHolder returns a Holder serving r.
func NewHolder(r *Registry) *Holder {
	h := &Holder{}
	h.current.Store(r)

	return h
}

// Registry returns the registry currently in effect.
func (h *Holder) Registry() *Registry {
	return h.current.Load()
}

// Swap installs r and returns the previous registry.
func (h *Holder) Swap(r *Registry) *Registry {
	return h.current.Swap(r)
}
