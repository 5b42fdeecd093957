// Package selector ranks sources by measured throughput and policy, and turns
// the ranking into an ordered list of download candidates for an asset.
package selector

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/italolelis/dlc_downloader/internal/catalog"
	"github.com/italolelis/dlc_downloader/internal/logctx"
	"github.com/italolelis/dlc_downloader/internal/probe"
	"github.com/italolelis/dlc_downloader/internal/resolve"
	"github.com/italolelis/dlc_downloader/internal/source"
)

// Tier names the rule that chose the head of a ranking.
type Tier string

const (
	TierFast       Tier = "fast"
	TierDefault    Tier = "default"
	TierGuaranteed Tier = "guaranteed"
	TierPriority   Tier = "priority"
)

// Ranking is an ordered list of sources plus the tier that decided its head.
type Ranking struct {
	Tier    Tier
	Sources []source.Source
}

// Candidate is a source paired with the URL it serves an asset under.
type Candidate struct {
	Source   string `json:"source"`
	URL      string `json:"url"`
	Priority int    `json:"priority"`
}

// NoCandidateError means no enabled source can serve an asset.
type NoCandidateError struct {
	Asset string
}

func (e *NoCandidateError) Error() string {
	return fmt.Sprintf("no source can serve %s", e.Asset)
}

// Rank orders enabled sources. The first satisfied tier wins:
//
//  1. fast: sources with a threshold whose probe met it, by priority then throughput;
//  2. default: the policy default source followed by the guaranteed one,
//     unless the default's probe hard-failed;
//  3. guaranteed: the policy guaranteed source.
//
// Without a fast source and without policy, sources keep priority order. All
// remaining sources follow the head as fallbacks, reachable ones first, so
// every enabled source appears exactly once. Rank is pure.
func Rank(sources []source.Source, outcomes map[string]probe.Outcome, policy source.Policy) Ranking {
	byName := make(map[string]source.Source, len(sources))
	for _, s := range sources {
		byName[s.Name] = s
	}

	var (
		tier Tier
		head []source.Source
	)

	if fast := fastTier(sources, outcomes); len(fast) > 0 {
		tier, head = TierFast, fast
	} else if def, ok := byName[policy.Default]; ok && !outcomes[def.Name].HardFailed() {
		tier, head = TierDefault, []source.Source{def}
		if g, ok := byName[policy.Guaranteed]; ok && g.Name != def.Name {
			head = append(head, g)
		}
	} else if g, ok := byName[policy.Guaranteed]; ok {
		tier, head = TierGuaranteed, []source.Source{g}
	} else {
		tier = TierPriority
	}

	seen := make(map[string]bool, len(sources))
	for _, s := range head {
		seen[s.Name] = true
	}

	var tail []source.Source

	for _, s := range sources {
		if !seen[s.Name] {
			tail = append(tail, s)
		}
	}

	slices.SortStableFunc(tail, func(a, b source.Source) int {
		ra, rb := !outcomes[a.Name].HardFailed(), !outcomes[b.Name].HardFailed()
		if ra != rb {
			if ra {
				return -1
			}

			return 1
		}

		return a.Priority - b.Priority
	})

	return Ranking{Tier: tier, Sources: append(head, tail...)}
}

func fastTier(sources []source.Source, outcomes map[string]probe.Outcome) []source.Source {
	var fast []source.Source

	for _, s := range sources {
		o, ok := outcomes[s.Name]
		if !ok || !o.OK() || s.Threshold <= 0 {
			continue
		}

		if o.Sample.Throughput >= s.Threshold {
			fast = append(fast, s)
		}
	}

	slices.SortStableFunc(fast, func(a, b source.Source) int {
		if a.Priority != b.Priority {
			return a.Priority - b.Priority
		}

		ta, tb := outcomes[a.Name].Sample.Throughput, outcomes[b.Name].Sample.Throughput

		switch {
		case ta > tb:
			return -1
		case ta < tb:
			return 1
		default:
			return 0
		}
	})

	return fast
}

// Registry is the subset of the source registry the selector reads.
type Registry interface {
	EnabledByPriority() []source.Source
	Policy() source.Policy
}

// Prober measures sources.
type Prober interface {
	MeasureAll(ctx context.Context, srcs []source.Source) map[string]probe.Outcome
}

// Selector produces candidate lists from the current registry and probe outcomes.
type Selector struct {
	registry func() Registry
	prober   Prober
}

// New returns a Selector. registry is called on every request so a reloaded
// registry takes effect without rebuilding the selector.
func New(registry func() Registry, prober Prober) *Selector {
	return &Selector{registry: registry, prober: prober}
}

// Rank probes the enabled sources (reusing fresh outcomes) and ranks them.
func (s *Selector) Rank(ctx context.Context) (Ranking, map[string]probe.Outcome) {
	reg := s.registry()
	sources := reg.EnabledByPriority()
	outcomes := s.prober.MeasureAll(ctx, sources)

	return Rank(sources, outcomes, reg.Policy()), outcomes
}

// Candidates returns the ordered download candidates for asset. Sources that
// cannot serve the asset are skipped, as are URLs already produced by a
// higher ranked source.
func (s *Selector) Candidates(ctx context.Context, asset catalog.Asset) ([]Candidate, error) {
	logger := logctx.LoggerFromContext(ctx).With("asset", asset.Key)

	ranking, _ := s.Rank(ctx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(ranking.Sources))
	seen := make(map[string]bool, len(ranking.Sources))

	for _, src := range ranking.Sources {
		u, err := resolve.Resolve(src, asset)
		if err != nil {
			var unres *resolve.UnresolvableError
			if !errors.As(err, &unres) {
				return nil, err
			}

			logger.Debug("source skipped", "source", src.Name, "reason", unres.Reason)

			continue
		}

		if seen[u] {
			continue
		}

		seen[u] = true

		candidates = append(candidates, Candidate{Source: src.Name, URL: u, Priority: src.Priority})
	}

	if len(candidates) == 0 {
		return nil, &NoCandidateError{Asset: asset.Key}
	}

	logger.Debug("candidates ranked", "tier", ranking.Tier, "count", len(candidates), "first", candidates[0].Source)

	return candidates, nil
}
