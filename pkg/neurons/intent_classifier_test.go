package neurons

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/embedding"
	"github.com/neuralcore/engine/pkg/llm"
	"github.com/neuralcore/engine/pkg/patterncache"
)

func newTestCache(t *testing.T) *patterncache.Cache {
	t.Helper()
	c, err := patterncache.New(filepath.Join(t.TempDir(), "patterns.json"), embedding.NewHashingEmbedder(64), core.NoOpLogger{})
	require.NoError(t, err)
	return c
}

func TestIntentClassifier_KeywordSimplifierShortCircuitsModel(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Responder = func(req llm.Request) llm.Response {
		t.Fatal("model should not be called when a keyword rule matches")
		return llm.Response{}
	}
	c := NewIntentClassifier(newTestCache(t), mock, 0.80, core.NoOpLogger{}, nil)

	decision, err := c.Process(context.Background(), "goal-1", "Tell me a joke about cats", 0)
	require.NoError(t, err)
	assert.Equal(t, "generative", decision.Intent)
	assert.Equal(t, MethodKeywordSimplifier, decision.Method)
}

func TestIntentClassifier_FallsBackToModelThenCaches(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Responder = func(req llm.Request) llm.Response {
		return llm.Response{Content: "tool_use"}
	}
	cache := newTestCache(t)
	c := NewIntentClassifier(cache, mock, 0.80, core.NoOpLogger{}, nil)

	decision, err := c.Process(context.Background(), "goal-1", "Get my recent fitness activities from the tracker", 0)
	require.NoError(t, err)
	assert.Equal(t, "tool_use", decision.Intent)

	_, _, hit := cache.Lookup("Get my recent fitness activities from the tracker", 0.5)
	assert.True(t, hit, "classifier should store its model decision in the pattern cache")
}

func TestIntentClassifier_InvalidModelAnswerDefaultsToGenerative(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Responder = func(req llm.Request) llm.Response {
		return llm.Response{Content: "definitely not an intent"}
	}
	c := NewIntentClassifier(newTestCache(t), mock, 0.80, core.NoOpLogger{}, nil)

	decision, err := c.Process(context.Background(), "goal-1", "some ambiguous goal text with no obvious keywords", 0)
	require.NoError(t, err)
	assert.Equal(t, "generative", decision.Intent)
}
