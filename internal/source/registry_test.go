package source

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleSources = `
app_scope: "281990"
canonical_root: https://dlc.example.com/dlc/
policy:
  default: domestic
  guaranteed: gitee
sources:
  - name: r2
    base_url: https://dlc.example.com/dlc
    format: indexed
    priority: 1
    enabled: true
    min_throughput: 3MB
  - name: domestic
    base_url: http://10.0.0.1/dlc/
    format: direct
    priority: 2
    enabled: true
    min_throughput: 2MB
  - name: github
    base_url: https://github.com/x/releases/download/ste
    format: release_mapped
    priority: 2
    enabled: true
    mapping:
      dlc001_symbols.zip: 001.zip
  - name: gitee
    base_url: https://gitee.com/x/releases/download
    format: release_ranged
    priority: 4
    enabled: true
    mapping_file: gitee.json
    releases:
      b: {min: 41, max: 90}
      a: {min: 1, max: 40}
  - name: old
    base_url: https://old.example.com
    format: direct
    priority: 0
    enabled: false
`

func writeSources(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gitee.json"), []byte(`{"dlc001_symbols.zip": "001.zip"}`), 0o644))

	path := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoadFile(t *testing.T) {
	reg, err := LoadFile(context.Background(), writeSources(t, sampleSources))
	require.NoError(t, err)

	assert.Equal(t, "281990", reg.AppScope())
	assert.Equal(t, "https://dlc.example.com/dlc/", reg.CanonicalRoot())
	assert.Equal(t, Policy{Default: "domestic", Guaranteed: "gitee"}, reg.Policy())
	assert.Len(t, reg.All(), 5)

	var names []string
	for _, s := range reg.EnabledByPriority() {
		names = append(names, s.Name)
	}
	// domestic and github tie on priority 2 and keep declaration order.
	assert.Equal(t, []string{"r2", "domestic", "github", "gitee"}, names)

	r2, ok := reg.Lookup("r2")
	require.True(t, ok)
	assert.Equal(t, KindIndexed, r2.Kind())
	assert.InDelta(t, 3_000_000, r2.Threshold, 0.1)

	gitee, ok := reg.Lookup("gitee")
	require.True(t, ok)

	ranged, ok := gitee.Layout.(ReleaseRanged)
	require.True(t, ok)
	assert.Equal(t, []Range{{Tag: "a", Min: 1, Max: 40}, {Tag: "b", Min: 41, Max: 90}}, ranged.Ranges)

	published, ok := ranged.Mapping.Lookup("dlc001_symbols.zip")
	assert.True(t, ok)
	assert.Equal(t, "001.zip", published)

	github, _ := reg.Lookup("github")
	assert.Equal(t, 1, github.Layout.(ReleaseMapped).Mapping.Len())
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		reason string
	}{
		{
			name:   "no sources",
			yaml:   "sources: []",
			reason: "no sources defined",
		},
		{
			name: "none enabled",
			yaml: `
sources:
  - {name: a, base_url: http://a, format: direct, enabled: false}`,
			reason: "at least one source must be enabled",
		},
		{
			name: "unknown format",
			yaml: `
sources:
  - {name: a, base_url: http://a, format: standard, enabled: true}`,
			reason: "unsupported format",
		},
		{
			name: "duplicate name",
			yaml: `
sources:
  - {name: a, base_url: http://a, format: direct, enabled: true}
  - {name: a, base_url: http://b, format: direct, enabled: true}`,
			reason: "duplicate source name",
		},
		{
			name: "non integer priority",
			yaml: `
sources:
  - {name: a, base_url: http://a, format: direct, enabled: true, priority: high}`,
			reason: "malformed sources file",
		},
		{
			name: "overlapping ranges",
			yaml: `
sources:
  - name: g
    base_url: http://g
    format: release_ranged
    enabled: true
    mapping: {x.zip: 1.zip}
    releases:
      a: {min: 1, max: 10}
      b: {min: 10, max: 20}`,
			reason: "overlaps",
		},
		{
			name: "inverted range",
			yaml: `
sources:
  - name: g
    base_url: http://g
    format: release_ranged
    enabled: true
    mapping: {x.zip: 1.zip}
    releases:
      a: {min: 9, max: 2}`,
			reason: "greater than max",
		},
		{
			name: "mapping missing",
			yaml: `
sources:
  - {name: g, base_url: http://g, format: release_mapped, enabled: true}`,
			reason: "require a name mapping",
		},
		{
			name: "bad threshold",
			yaml: `
sources:
  - {name: a, base_url: http://a, format: direct, enabled: true, min_throughput: fast}`,
			reason: "not a byte size",
		},
		{
			name: "policy names unknown source",
			yaml: `
policy: {default: nope}
sources:
  - {name: a, base_url: http://a, format: direct, enabled: true}`,
			reason: `unknown source "nope"`,
		},
		{
			name: "policy names disabled source",
			yaml: `
policy: {guaranteed: b}
sources:
  - {name: a, base_url: http://a, format: direct, enabled: true}
  - {name: b, base_url: http://b, format: direct, enabled: false}`,
			reason: `source "b" is disabled`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(context.Background(), []byte(tt.yaml), t.TempDir())
			require.Error(t, err)

			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "want *ConfigError, got %T", err)
			assert.Contains(t, err.Error(), tt.reason)
		})
	}
}

func TestLoad_PolicyErrorsReportedInOrder(t *testing.T) {
	data := []byte(`
policy: {default: nope, guaranteed: also-nope}
sources:
  - {name: a, base_url: http://a, format: direct, enabled: true}`)

	// Repeated parses must agree on which problem is reported.
	for range 50 {
		_, err := Parse(context.Background(), data, t.TempDir())

		var cfgErr *ConfigError
		require.True(t, errors.As(err, &cfgErr))
		assert.Equal(t, "policy.default", cfgErr.Field)
		assert.Contains(t, cfgErr.Reason, `unknown source "nope"`)
	}
}

func TestLoad_MissingMappingFileIsFatalOnlyWhenEnabled(t *testing.T) {
	enabled := `
sources:
  - {name: g, base_url: http://g, format: release_mapped, enabled: true, mapping_file: missing.json}`

	_, err := Parse(context.Background(), []byte(enabled), t.TempDir())
	assert.ErrorContains(t, err, "cannot load name mapping")

	disabled := `
sources:
  - {name: a, base_url: http://a, format: direct, enabled: true}
  - {name: g, base_url: http://g, format: release_mapped, enabled: false, mapping_file: missing.json}`

	_, err = Parse(context.Background(), []byte(disabled), t.TempDir())
	assert.NoError(t, err)
}

func TestLoad_RangeGapsAreLogged(t *testing.T) {
	var buf bytes.Buffer

	ctx := logctx.WithLogger(context.Background(), slog.New(slog.NewJSONHandler(&buf, nil)))

	doc := `
sources:
  - name: g
    base_url: http://g
    format: release_ranged
    enabled: true
    mapping: {x.zip: 1.zip}
    releases:
      a: {min: 1, max: 10}
      b: {min: 20, max: 30}`

	_, err := Parse(ctx, []byte(doc), t.TempDir())
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "release ranges leave indices without a source")
	assert.Contains(t, buf.String(), `"from":11`)
	assert.Contains(t, buf.String(), `"to":19`)
}

func TestReleaseRanged_TagFor(t *testing.T) {
	r := ReleaseRanged{Ranges: []Range{{Tag: "a", Min: 1, Max: 10}, {Tag: "b", Min: 20, Max: 30}}}

	tag, ok := r.TagFor(10)
	assert.True(t, ok)
	assert.Equal(t, "a", tag)

	tag, ok = r.TagFor(20)
	assert.True(t, ok)
	assert.Equal(t, "b", tag)

	_, ok = r.TagFor(15)
	assert.False(t, ok)

	_, ok = r.TagFor(31)
	assert.False(t, ok)
}

func TestSource_ProbeURL(t *testing.T) {
	assert.Equal(t, "http://a/dlc/test/test.bin", Source{BaseURL: "http://a/dlc/"}.ProbeURL())
	assert.Equal(t, "http://a/t.bin", Source{BaseURL: "http://a/dlc", TestURL: "http://a/t.bin"}.ProbeURL())
}

func TestIndexed_IndexDocumentURL(t *testing.T) {
	assert.Equal(t, "http://a/dlc/index.json", Indexed{}.IndexDocumentURL("http://a/dlc/"))
	assert.Equal(t, "http://b/i.json", Indexed{IndexURL: "http://b/i.json"}.IndexDocumentURL("http://a/dlc/"))
}

func TestJoinURL(t *testing.T) {
	tests := []struct {
		base  string
		parts []string
		want  string
	}{
		{"http://a/dlc", []string{"281990/dlc001.zip"}, "http://a/dlc/281990/dlc001.zip"},
		{"http://a/dlc/", []string{"/281990/dlc001.zip"}, "http://a/dlc/281990/dlc001.zip"},
		{"http://a/dlc//", []string{"a/", "/003.zip"}, "http://a/dlc/a/003.zip"},
		{"http://a", []string{"", "x"}, "http://a/x"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, JoinURL(tt.base, tt.parts...))
	}
}

func TestNameMapping_CaseSensitive(t *testing.T) {
	m := NewNameMapping(map[string]string{"dlc003_x.zip": "003.zip", "empty.zip": ""})

	_, ok := m.Lookup("DLC003_X.zip")
	assert.False(t, ok)

	_, ok = m.Lookup("empty.zip")
	assert.False(t, ok)

	got, ok := m.Lookup("dlc003_x.zip")
	assert.True(t, ok)
	assert.Equal(t, "003.zip", got)
}

func TestHolder_Swap(t *testing.T) {
	first, err := Parse(context.Background(), []byte(`
sources:
  - {name: a, base_url: http://a, format: direct, enabled: true}`), "")
	require.NoError(t, err)

	second, err := Parse(context.Background(), []byte(`
sources:
  - {name: b, base_url: http://b, format: direct, enabled: true}`), "")
	require.NoError(t, err)

	h := NewHolder(first)
	assert.Same(t, first, h.Registry())

	prev := h.Swap(second)
	assert.Same(t, first, prev)
	assert.Same(t, second, h.Registry())

	_, ok := first.Lookup("a")
	assert.True(t, ok, "previous registry must stay intact")
}
