package patterncache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/neuralcore/engine/pkg/core"
)

const mirrorKeyPrefix = "neuralcore:pattern_cache:"
const mirrorTTL = 24 * time.Hour

// RedisMirror additively publishes cache writes to Redis so a second
// engine instance can warm its own in-process cache faster. It is never
// the source of truth: the on-disk JSON file always wins on load.
type RedisMirror struct {
	client *redis.Client
	logger core.Logger
}

type mirrorPayload struct {
	Decision   json.RawMessage `json:"decision"`
	Confidence float64         `json:"confidence"`
}

// NewRedisMirror connects to redisURL. Connectivity is not verified here;
// publish failures are logged and swallowed, since the mirror is strictly
// additive and must never fail a cache write.
func NewRedisMirror(redisURL string, logger core.Logger) (*RedisMirror, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, core.NewEngineError("NewRedisMirror", "cache", err)
	}
	return &RedisMirror{client: redis.NewClient(opt), logger: logger}, nil
}

// Publish mirrors one (query -> decision) write. Best-effort: errors are
// logged at warn and otherwise ignored.
func (m *RedisMirror) Publish(ctx context.Context, query string, decision json.RawMessage, confidence float64) {
	payload, err := json.Marshal(mirrorPayload{Decision: decision, Confidence: confidence})
	if err != nil {
		return
	}
	if err := m.client.Set(ctx, mirrorKeyPrefix+query, payload, mirrorTTL).Err(); err != nil {
		m.logger.Warn("pattern cache redis mirror publish failed", map[string]interface{}{"error": err.Error()})
	}
}

// Close releases the underlying Redis connection pool.
func (m *RedisMirror) Close() error { return m.client.Close() }
