package selector

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/italolelis/dlc_downloader/internal/catalog"
	"github.com/italolelis/dlc_downloader/internal/probe"
	"github.com/italolelis/dlc_downloader/internal/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1_000_000

func ok(throughput float64) probe.Outcome {
	return probe.Outcome{Sample: probe.Sample{Throughput: throughput}}
}

func unreachable(name string) probe.Outcome {
	return probe.Outcome{Err: &probe.ProbeError{Source: name, Unreachable: true, Err: errors.New("dial tcp: refused")}}
}

func names(srcs []source.Source) []string {
	out := make([]string, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, s.Name)
	}

	return out
}

func threeSources() []source.Source {
	return []source.Source{
		{Name: "r2", Priority: 1, Threshold: 3 * mb, BaseURL: "http://r2/dlc", Layout: source.Direct{}},
		{Name: "domestic", Priority: 2, BaseURL: "http://domestic/dlc", Layout: source.Direct{}},
		{Name: "gitee", Priority: 3, BaseURL: "http://gitee/rel", Layout: source.Direct{}},
	}
}

func TestRank_DefaultThenGuaranteed(t *testing.T) {
	outcomes := map[string]probe.Outcome{
		"r2":       ok(1 * mb), // below its threshold
		"domestic": ok(0.5 * mb),
		"gitee":    ok(0.2 * mb),
	}

	r := Rank(threeSources(), outcomes, source.Policy{Default: "domestic", Guaranteed: "gitee"})

	assert.Equal(t, TierDefault, r.Tier)
	assert.Equal(t, []string{"domestic", "gitee", "r2"}, names(r.Sources))
}

func TestRank_FastTier(t *testing.T) {
	sources := []source.Source{
		{Name: "r2", Priority: 1, Threshold: 3 * mb},
		{Name: "github", Priority: 2, Threshold: 2 * mb},
		{Name: "mirror", Priority: 2, Threshold: 2 * mb},
		{Name: "domestic", Priority: 3, Threshold: 2 * mb},
		{Name: "gitee", Priority: 4},
	}

	outcomes := map[string]probe.Outcome{
		"r2":       ok(2.9 * mb),
		"github":   ok(2.5 * mb),
		"mirror":   ok(4 * mb),
		"domestic": ok(10 * mb),
		"gitee":    ok(50 * mb), // no threshold, never fast
	}

	r := Rank(sources, outcomes, source.Policy{Default: "domestic", Guaranteed: "gitee"})

	assert.Equal(t, TierFast, r.Tier)
	assert.Equal(t, []string{"mirror", "github", "domestic", "r2", "gitee"}, names(r.Sources))
}

func TestRank_DefaultHardFailed(t *testing.T) {
	outcomes := map[string]probe.Outcome{
		"r2":       unreachable("r2"),
		"domestic": unreachable("domestic"),
		"gitee":    ok(0.1 * mb),
	}

	r := Rank(threeSources(), outcomes, source.Policy{Default: "domestic", Guaranteed: "gitee"})

	assert.Equal(t, TierGuaranteed, r.Tier)
	assert.Equal(t, []string{"gitee", "r2", "domestic"}, names(r.Sources))
}

func TestRank_DefaultSlowButReachable(t *testing.T) {
	outcomes := map[string]probe.Outcome{
		"domestic": {Err: &probe.ProbeError{Source: "domestic", Err: errors.New("stalled")}},
	}

	r := Rank(threeSources(), outcomes, source.Policy{Default: "domestic"})

	assert.Equal(t, TierDefault, r.Tier)
	assert.Equal(t, "domestic", r.Sources[0].Name)
}

func TestRank_NoPolicy(t *testing.T) {
	outcomes := map[string]probe.Outcome{"r2": unreachable("r2")}

	r := Rank(threeSources(), outcomes, source.Policy{})

	assert.Equal(t, TierPriority, r.Tier)
	assert.Equal(t, []string{"domestic", "gitee", "r2"}, names(r.Sources), "unreachable sources sink to the end")
}

func TestRank_Deterministic(t *testing.T) {
	sources := []source.Source{
		{Name: "a", Priority: 1, Threshold: 1},
		{Name: "b", Priority: 1, Threshold: 1},
		{Name: "c", Priority: 1, Threshold: 1},
	}
	outcomes := map[string]probe.Outcome{"a": ok(5), "b": ok(5), "c": ok(5)}

	first := Rank(sources, outcomes, source.Policy{})

	for range 20 {
		assert.Equal(t, first, Rank(sources, outcomes, source.Policy{}))
	}

	assert.Equal(t, []string{"a", "b", "c"}, names(first.Sources))
}

type fakeRegistry struct {
	sources []source.Source
	policy  source.Policy
}

func (r fakeRegistry) EnabledByPriority() []source.Source { return r.sources }
func (r fakeRegistry) Policy() source.Policy              { return r.policy }

type fakeProber struct {
	outcomes map[string]probe.Outcome
	calls    atomic.Int32
}

func (p *fakeProber) MeasureAll(_ context.Context, _ []source.Source) map[string]probe.Outcome {
	p.calls.Add(1)

	return p.outcomes
}

func newSelector(reg fakeRegistry, outcomes map[string]probe.Outcome) (*Selector, *fakeProber) {
	p := &fakeProber{outcomes: outcomes}

	return New(func() Registry { return reg }, p), p
}

func TestCandidates_ScenarioA(t *testing.T) {
	reg := fakeRegistry{
		sources: threeSources(),
		policy:  source.Policy{Default: "domestic", Guaranteed: "gitee"},
	}

	sel, _ := newSelector(reg, map[string]probe.Outcome{"r2": ok(0.1 * mb)})

	got, err := sel.Candidates(context.Background(), catalog.Asset{Key: "dlc001", RelativePath: "281990/dlc001.zip"})
	require.NoError(t, err)

	require.Len(t, got, 3)
	assert.Equal(t, Candidate{Source: "domestic", URL: "http://domestic/dlc/281990/dlc001.zip", Priority: 2}, got[0])
	assert.Equal(t, "gitee", got[1].Source)
	assert.Equal(t, "r2", got[2].Source)
}

func TestCandidates_SkipsUnresolvableAndDuplicates(t *testing.T) {
	reg := fakeRegistry{sources: []source.Source{
		{Name: "primary", Priority: 1, BaseURL: "http://cdn/dlc", Layout: source.Direct{}},
		{Name: "alias", Priority: 2, BaseURL: "http://cdn/dlc/", Layout: source.Indexed{}},
		{Name: "github", Priority: 3, BaseURL: "http://gh/rel", Layout: source.ReleaseMapped{Mapping: source.NewNameMapping(nil)}},
		{Name: "gitee", Priority: 4, BaseURL: "http://gitee/rel", Layout: source.ReleaseRanged{
			Mapping: source.NewNameMapping(map[string]string{"dlc003_x.zip": "003.zip"}),
			Ranges:  []source.Range{{Tag: "a", Min: 1, Max: 10}},
		}},
	}}

	sel, _ := newSelector(reg, nil)

	asset := catalog.Asset{Key: "dlc003", RelativePath: "281990/dlc003_x.zip", NumericIndex: 3, HasIndex: true}

	got, err := sel.Candidates(context.Background(), asset)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, "primary", got[0].Source)
	assert.Equal(t, "gitee", got[1].Source)
	assert.Equal(t, "http://gitee/rel/a/003.zip", got[1].URL)
}

func TestCandidates_NoCandidate(t *testing.T) {
	reg := fakeRegistry{sources: []source.Source{
		{Name: "github", BaseURL: "http://gh/rel", Layout: source.ReleaseMapped{Mapping: source.NewNameMapping(nil)}},
	}}

	sel, _ := newSelector(reg, nil)

	_, err := sel.Candidates(context.Background(), catalog.Asset{Key: "dlc009", RelativePath: "281990/dlc009.zip"})

	var noCand *NoCandidateError
	require.True(t, errors.As(err, &noCand))
	assert.Equal(t, "dlc009", noCand.Asset)
}

func TestCandidates_StableAcrossCalls(t *testing.T) {
	reg := fakeRegistry{sources: threeSources(), policy: source.Policy{Default: "domestic", Guaranteed: "gitee"}}
	sel, prober := newSelector(reg, map[string]probe.Outcome{"r2": ok(4 * mb)})

	asset := catalog.Asset{Key: "dlc001", RelativePath: "281990/dlc001.zip"}

	first, err := sel.Candidates(context.Background(), asset)
	require.NoError(t, err)
	assert.Equal(t, "r2", first[0].Source)

	second, err := sel.Candidates(context.Background(), asset)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 2, prober.calls.Load())
}

func TestCandidates_Cancelled(t *testing.T) {
	sel, _ := newSelector(fakeRegistry{sources: threeSources()}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := sel.Candidates(ctx, catalog.Asset{Key: "dlc001", RelativePath: "281990/dlc001.zip"})
	assert.ErrorIs(t, err, context.Canceled)
}
