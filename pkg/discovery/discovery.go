// Package discovery implements Tool Discovery: a three-stage funnel that
// keeps the language model's decision context bounded as the tool
// catalogue grows. Stage 1 (semantic search) and stage 2 (statistical
// ranking) live here; stage 3 (final selection) belongs to the Tool
// Selector neuron.
package discovery

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/embedding"
	"github.com/neuralcore/engine/pkg/store"
	"github.com/neuralcore/engine/pkg/tools"
)

// Candidate is one tool surfaced by semantic search, optionally enriched
// with a statistical score during ranking.
type Candidate struct {
	ToolName    string
	Description string
	Distance    float64
	Score       float64
}

// indexEntry is one tool's cached embedding.
type indexEntry struct {
	meta embedding.Vector
	desc string
}

// Discovery is the Tool Discovery service: an in-process embedding index
// over tool documents, reconciled against the Tool Registry by Sync, plus
// a statistical ranker backed by Execution Store statistics.
type Discovery struct {
	mu       sync.RWMutex
	embedder embedding.Embedder
	index    map[string]indexEntry
	store    store.Store
	logger   core.Logger
}

// New builds a Discovery service. st may be nil in tests that only
// exercise semantic search.
func New(embedder embedding.Embedder, st store.Store, logger core.Logger) *Discovery {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Discovery{
		embedder: embedder,
		index:    map[string]indexEntry{},
		store:    st,
		logger:   logger,
	}
}

// Sync reconciles the embedding index against the registry's current tool
// set: every live tool's document is re-encoded and upserted, and tools no
// longer in the registry are dropped.
func (d *Discovery) Sync(reg *tools.Registry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	live := map[string]bool{}
	for _, meta := range reg.All() {
		live[meta.Name] = true
		doc := tools.Document(meta)
		d.index[meta.Name] = indexEntry{meta: d.embedder.Encode(doc), desc: meta.Description}
	}
	for name := range d.index {
		if !live[name] {
			delete(d.index, name)
		}
	}
}

// SemanticSearch returns the n tools closest to goal by cosine distance.
func (d *Discovery) SemanticSearch(goal string, n int) []Candidate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	qv := d.embedder.Encode(goal)
	candidates := make([]Candidate, 0, len(d.index))
	for name, e := range d.index {
		candidates = append(candidates, Candidate{
			ToolName:    name,
			Description: e.desc,
			Distance:    embedding.Distance(qv, e.meta),
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Distance < candidates[j].Distance })
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Rank computes score = success_rate * log(total_executions+1) *
// recency_factor for each candidate and returns the k highest, ties
// broken by lower semantic distance. New tools with no statistics row
// receive the neutral score 0.5.
func (d *Discovery) Rank(ctx context.Context, candidates []Candidate, k int) ([]Candidate, error) {
	scored := make([]Candidate, len(candidates))
	copy(scored, candidates)

	for i := range scored {
		score, err := d.statisticalScore(ctx, scored[i].ToolName)
		if err != nil {
			return nil, err
		}
		scored[i].Score = score
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Distance < scored[j].Distance
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func (d *Discovery) statisticalScore(ctx context.Context, toolName string) (float64, error) {
	if d.store == nil {
		return 0.5, nil
	}
	stats, err := d.store.GetToolStatistics(ctx, toolName)
	if err != nil {
		return 0, err
	}
	if stats == nil || stats.TotalExecutions == 0 {
		return 0.5, nil
	}
	daysSinceUse := time.Since(stats.LastUsed).Hours() / 24
	recency := math.Max(0.5, 1-daysSinceUse/365)
	return stats.SuccessRate * math.Log(float64(stats.TotalExecutions)+1) * recency, nil
}

// Discover runs stages 1 and 2 end to end: semantic search widened to
// semanticLimit candidates, then ranked down to rankingLimit.
func (d *Discovery) Discover(ctx context.Context, goal string, semanticLimit, rankingLimit int) ([]Candidate, error) {
	candidates := d.SemanticSearch(goal, semanticLimit)
	return d.Rank(ctx, candidates, rankingLimit)
}

// FindSimilarTools returns every other indexed tool whose document cosine
// similarity to toolName's document is at least threshold.
func (d *Discovery) FindSimilarTools(toolName string, threshold float64) []Candidate {
	d.mu.RLock()
	defer d.mu.RUnlock()

	target, ok := d.index[toolName]
	if !ok {
		return nil
	}
	var out []Candidate
	for name, e := range d.index {
		if name == toolName {
			continue
		}
		sim := embedding.Cosine(target.meta, e.meta)
		if sim >= threshold {
			out = append(out, Candidate{ToolName: name, Description: e.desc, Distance: 1 - sim})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	return out
}

// DuplicatePair is one candidate duplicate found by FindAllDuplicates.
type DuplicatePair struct {
	ToolA, ToolB string
	Similarity   float64
	LikelyDup    bool // similarity >= 0.95
}

// FindAllDuplicates scans every pair in the index for similarity >=
// threshold (chosen by the caller); pairs at 0.95 or above are marked
// LikelyDup.
func (d *Discovery) FindAllDuplicates(threshold float64) []DuplicatePair {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.index))
	for name := range d.index {
		names = append(names, name)
	}
	sort.Strings(names)

	var pairs []DuplicatePair
	for i := 0; i < len(names); i++ {
		for j := i + 1; j < len(names); j++ {
			sim := embedding.Cosine(d.index[names[i]].meta, d.index[names[j]].meta)
			if sim >= threshold {
				pairs = append(pairs, DuplicatePair{
					ToolA:      names[i],
					ToolB:      names[j],
					Similarity: sim,
					LikelyDup:  sim >= 0.95,
				})
			}
		}
	}
	return pairs
}

// ConsolidationRecommendation names which side of a duplicate pair to keep:
// the one with higher execution_count * success_rate, ties broken
// alphabetically.
func (d *Discovery) ConsolidationRecommendation(ctx context.Context, pair DuplicatePair) (keep, drop string, err error) {
	scoreA, err := d.usageScore(ctx, pair.ToolA)
	if err != nil {
		return "", "", err
	}
	scoreB, err := d.usageScore(ctx, pair.ToolB)
	if err != nil {
		return "", "", err
	}
	switch {
	case scoreA > scoreB:
		return pair.ToolA, pair.ToolB, nil
	case scoreB > scoreA:
		return pair.ToolB, pair.ToolA, nil
	default:
		if pair.ToolA < pair.ToolB {
			return pair.ToolA, pair.ToolB, nil
		}
		return pair.ToolB, pair.ToolA, nil
	}
}

func (d *Discovery) usageScore(ctx context.Context, toolName string) (float64, error) {
	if d.store == nil {
		return 0, nil
	}
	stats, err := d.store.GetToolStatistics(ctx, toolName)
	if err != nil {
		return 0, err
	}
	if stats == nil {
		return 0, nil
	}
	return float64(stats.TotalExecutions) * stats.SuccessRate, nil
}
