// Package patterncache implements the Pattern Cache: an embedding-keyed
// memoisation layer over (query -> decision) pairs, with usage counts,
// confidence, and an execution-validated flag that lets Neurons learn from
// actual outcomes instead of only from model answers.
package patterncache

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/embedding"
)

// Entry is one cached (query -> decision) mapping.
type Entry struct {
	Query              string                 `json:"query"`
	Embedding          embedding.Vector       `json:"embedding"`
	Decision           json.RawMessage        `json:"decision"`
	Confidence         float64                `json:"confidence"`
	UsageCount         int                    `json:"usage_count"`
	CreatedAt          time.Time              `json:"created_at"`
	LastUpdated        time.Time              `json:"last_updated"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
	ExecutionValidated bool                   `json:"execution_validated"`
	LastExecutionOK    bool                   `json:"last_execution_ok"`
}

// Stats summarizes cache activity since process start.
type Stats struct {
	Lookups      int     `json:"lookups"`
	Hits         int     `json:"hits"`
	Misses       int     `json:"misses"`
	Stores       int     `json:"stores"`
	HitRate      float64 `json:"hit_rate"`
	PatternCount int     `json:"pattern_count"`
	CacheSize    int     `json:"cache_size"`
}

const dedupSimilarityThreshold = 0.90
const validatedSuccessBoost = 0.10

// Cache is the Pattern Cache. Safe for concurrent use: writes are
// serialized, reads may run concurrently (spec.md §5 "Shared resources").
type Cache struct {
	mu       sync.RWMutex
	embedder embedding.Embedder
	path     string
	logger   core.Logger

	entries []*Entry
	mirror  *RedisMirror

	lookups, hits, misses, stores int
}

// AttachMirror makes future Store/StoreAfterExecution calls additively
// publish to Redis as well as the on-disk file. The file remains the
// source of truth on load; the mirror only helps a second instance warm
// its own cache sooner.
func (c *Cache) AttachMirror(m *RedisMirror) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mirror = m
}

// New loads (or initializes) a Pattern Cache persisted at path.
func New(path string, embedder embedding.Embedder, logger core.Logger) (*Cache, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	c := &Cache{embedder: embedder, path: path, logger: logger}
	if err := c.load(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) load() error {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return core.NewEngineError("patterncache.load", "patterncache", err)
	}

	var raw []*Entry
	if err := json.Unmarshal(data, &raw); err != nil {
		return core.NewEngineError("patterncache.load", "patterncache", err)
	}

	discarded := 0
	entries := make([]*Entry, 0, len(raw))
	for _, e := range raw {
		if e.Decision == nil || !json.Valid(e.Decision) {
			discarded++
			continue
		}
		entries = append(entries, e)
	}
	if discarded > 0 {
		c.logger.Warn("discarded unparseable pattern cache entries", map[string]interface{}{"count": discarded})
	}
	c.entries = entries
	return nil
}

// Save persists the cache to its file, atomically (write to temp, rename).
func (c *Cache) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.saveLocked()
}

func (c *Cache) saveLocked() error {
	data, err := json.Marshal(c.entries)
	if err != nil {
		return core.NewEngineError("patterncache.Save", "patterncache", err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return core.NewEngineError("patterncache.Save", "patterncache", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return core.NewEngineError("patterncache.Save", "patterncache", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return core.NewEngineError("patterncache.Save", "patterncache", err)
	}
	return nil
}

// Lookup returns the best matching decision above threshold, or (nil,
// false). Execution-validated-success entries receive a 10% similarity
// boost; execution-validated-failure entries are never returned.
func (c *Cache) Lookup(query string, threshold float64) (json.RawMessage, float64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lookups++

	qv := c.embedder.Encode(query)

	var best *Entry
	var bestScore float64
	for _, e := range c.entries {
		if e.ExecutionValidated && !e.LastExecutionOK {
			continue
		}
		sim := embedding.Cosine(qv, e.Embedding)
		if e.ExecutionValidated && e.LastExecutionOK {
			sim += validatedSuccessBoost
		}
		if sim > bestScore {
			bestScore = sim
			best = e
		}
	}

	if best == nil || bestScore < threshold {
		c.misses++
		return nil, 0, false
	}

	c.hits++
	best.UsageCount++
	confidence := math.Min(0.99, best.Confidence+math.Min(0.15, float64(best.UsageCount)*0.01))
	return best.Decision, confidence, true
}

// Store writes a (query -> decision) pair, deduplicating against any
// existing entry with similarity >= 0.90.
func (c *Cache) Store(query string, decision json.RawMessage, confidence float64, metadata map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(query, decision, confidence, metadata, false, false)
}

// StoreAfterExecution is the preferred write path: it only writes when
// success is true, and marks the entry execution_validated.
func (c *Cache) StoreAfterExecution(query string, decision json.RawMessage, success bool, confidence float64, metadata map[string]interface{}) {
	if !success {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(query, decision, confidence, metadata, true, true)
}

func (c *Cache) storeLocked(query string, decision json.RawMessage, confidence float64, metadata map[string]interface{}, validated, ok bool) {
	defer func() {
		if err := c.saveLocked(); err != nil {
			c.logger.Warn("pattern cache save failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	c.stores++
	qv := c.embedder.Encode(query)
	now := time.Now()

	if c.mirror != nil {
		c.mirror.Publish(context.Background(), query, decision, confidence)
	}

	for _, e := range c.entries {
		if embedding.Cosine(qv, e.Embedding) >= dedupSimilarityThreshold {
			if confidence > e.Confidence {
				e.Confidence = confidence
			}
			e.UsageCount++
			e.LastUpdated = now
			if metadata != nil {
				e.Metadata = metadata
			}
			if validated {
				e.ExecutionValidated = true
				e.LastExecutionOK = ok
			}
			return
		}
	}

	c.entries = append(c.entries, &Entry{
		Query:              query,
		Embedding:          qv,
		Decision:           decision,
		Confidence:         confidence,
		UsageCount:         1,
		CreatedAt:          now,
		LastUpdated:        now,
		Metadata:           metadata,
		ExecutionValidated: validated,
		LastExecutionOK:    ok,
	})
}

// similarEntry pairs an entry with its similarity to the query, used only
// by GetSimilarExamples's ranking.
type similarEntry struct {
	entry *Entry
	sim   float64
}

// GetSimilarExamples returns up to k entries above minSimilarity, ranked by
// similarity * (1 + 0.1*usage_count).
func (c *Cache) GetSimilarExamples(query string, k int, minSimilarity float64) []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	qv := c.embedder.Encode(query)
	candidates := make([]similarEntry, 0, len(c.entries))
	for _, e := range c.entries {
		sim := embedding.Cosine(qv, e.Embedding)
		if sim >= minSimilarity {
			candidates = append(candidates, similarEntry{entry: e, sim: sim})
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		scoreI := candidates[i].sim * (1 + 0.1*float64(candidates[i].entry.UsageCount))
		scoreJ := candidates[j].sim * (1 + 0.1*float64(candidates[j].entry.UsageCount))
		return scoreI > scoreJ
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]Entry, len(candidates))
	for i, c := range candidates {
		out[i] = *c.entry
	}
	return out
}

// Stats returns cache activity counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Stats{
		Lookups:      c.lookups,
		Hits:         c.hits,
		Misses:       c.misses,
		Stores:       c.stores,
		PatternCount: len(c.entries),
		CacheSize:    len(c.entries),
	}
	if c.lookups > 0 {
		s.HitRate = float64(c.hits) / float64(c.lookups)
	}
	return s
}
