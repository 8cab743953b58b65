// Package matcher resolves a sender identifier to a counterparty record. It is
// pure: results depend only on the identifier and the directory snapshot.
package matcher

import (
	"fmt"
	"sort"

	"github.com/V4T54L/invoice-router/internal/domain"
	"github.com/adrg/strutil"
	"github.com/adrg/strutil/metrics"
)

const (
	// DefaultThreshold is the similarity a fuzzy candidate must exceed.
	// A score equal to the threshold is rejected.
	DefaultThreshold = 0.85
	// DefaultMargin is the lead the best candidate needs over the runner-up.
	DefaultMargin = 0.05

	// scores are compared after float arithmetic
	epsilon = 1e-9
)

// Strategy is one step of the matching order. It returns ok=false to let the
// next strategy try. A strategy may still return a rejected result (Method
// none) with ok=true to stop the chain.
type Strategy interface {
	Name() string
	Match(id Identifier, snap *domain.DirectorySnapshot) (domain.MatchResult, bool)
}

// Engine runs strategies in order and returns the first decisive result.
type Engine struct {
	strategies []Strategy
}

// New builds the default engine: exact match, then fuzzy match.
func New(threshold, margin float64) (*Engine, error) {
	if threshold <= 0 || threshold >= 1 {
		return nil, fmt.Errorf("match threshold must be in (0,1), got %v", threshold)
	}
	if margin < 0 || margin >= 1 {
		return nil, fmt.Errorf("match margin must be in [0,1), got %v", margin)
	}
	return NewWithStrategies(ExactStrategy{}, NewFuzzyStrategy(threshold, margin)), nil
}

// NewWithStrategies builds an engine from an explicit strategy order.
func NewWithStrategies(strategies ...Strategy) *Engine {
	return &Engine{strategies: strategies}
}

// Match resolves id against snap. The result has Method none when nothing
// matched; Candidate then carries the best rejected fuzzy candidate, if any.
func (e *Engine) Match(id Identifier, snap *domain.DirectorySnapshot) domain.MatchResult {
	none := domain.MatchResult{Method: domain.MatchNone, Identifier: id.Key(), Reason: domain.ReasonNoCandidates}
	if id.Empty() {
		none.Reason = domain.ReasonNoIdentifier
		return none
	}
	if snap == nil {
		return none
	}
	for _, s := range e.strategies {
		res, ok := s.Match(id, snap)
		if !ok {
			continue
		}
		res.Identifier = id.Key()
		return res
	}
	return none
}

// ExactStrategy looks the domain, the registrable domain and then the
// normalized display name up as directory keys.
type ExactStrategy struct{}

func (ExactStrategy) Name() string { return "exact" }

func (ExactStrategy) Match(id Identifier, snap *domain.DirectorySnapshot) (domain.MatchResult, bool) {
	for _, key := range []string{id.Domain, id.Registrable, id.Name} {
		if key == "" {
			continue
		}
		if rec, ok := snap.LookupExact(key); ok {
			r := rec
			return domain.MatchResult{
				Counterparty: &r,
				Confidence:   1.0,
				Method:       domain.MatchExact,
				Candidate:    rec.Identifier,
			}, true
		}
	}
	return domain.MatchResult{}, false
}

// Candidate is a scored directory entry.
type Candidate struct {
	Record domain.CounterpartyRecord
	Score  float64
}

// FuzzyStrategy compares the query against every active display name with a
// normalized Levenshtein similarity.
type FuzzyStrategy struct {
	Threshold float64
	Margin    float64
	metric    strutil.StringMetric
}

func NewFuzzyStrategy(threshold, margin float64) FuzzyStrategy {
	return FuzzyStrategy{Threshold: threshold, Margin: margin, metric: metrics.NewLevenshtein()}
}

func (FuzzyStrategy) Name() string { return "fuzzy" }

// Query returns the string compared against display names: the display
// name when present, else the registrable label of the domain.
func (FuzzyStrategy) Query(id Identifier) string {
	if id.Name != "" {
		return id.Name
	}
	return NormalizeName(id.Label())
}

// Rank scores all active records, ordered by score desc then identifier asc.
func (f FuzzyStrategy) Rank(query string, snap *domain.DirectorySnapshot) []Candidate {
	if query == "" {
		return nil
	}
	metric := f.metric
	if metric == nil {
		metric = metrics.NewLevenshtein()
	}
	active := snap.Active()
	out := make([]Candidate, 0, len(active))
	for _, rec := range active {
		name := NormalizeName(rec.DisplayName)
		if name == "" {
			continue
		}
		out = append(out, Candidate{Record: rec, Score: strutil.Similarity(query, name, metric)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.Identifier < out[j].Record.Identifier
	})
	return out
}

func (f FuzzyStrategy) Match(id Identifier, snap *domain.DirectorySnapshot) (domain.MatchResult, bool) {
	ranked := f.Rank(f.Query(id), snap)
	if len(ranked) == 0 {
		return domain.MatchResult{}, false
	}
	best := ranked[0]
	rejected := domain.MatchResult{
		Method:         domain.MatchNone,
		Candidate:      best.Record.Identifier,
		CandidateScore: best.Score,
	}
	if best.Score <= f.Threshold+epsilon {
		rejected.Reason = domain.ReasonBelowThreshold
		return rejected, true
	}
	if len(ranked) > 1 && best.Score-ranked[1].Score+epsilon < f.Margin {
		rejected.Reason = domain.ReasonAmbiguous
		return rejected, true
	}
	rec := best.Record
	return domain.MatchResult{
		Counterparty:   &rec,
		Confidence:     best.Score,
		Method:         domain.MatchFuzzy,
		Candidate:      rec.Identifier,
		CandidateScore: best.Score,
	}, true
}
