package patterncache

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/embedding"
)

func TestNewRedisMirror_InvalidURLIsError(t *testing.T) {
	_, err := NewRedisMirror("not-a-redis-url", core.NoOpLogger{})
	assert.Error(t, err)
}

func TestAttachMirror_PublishFailureNeverBlocksOrPanicsAStore(t *testing.T) {
	mirror, err := NewRedisMirror("redis://127.0.0.1:1/0", core.NoOpLogger{})
	require.NoError(t, err)
	defer mirror.Close()

	path := filepath.Join(t.TempDir(), "patterns.json")
	c, err := New(path, embedding.NewHashingEmbedder(64), core.NoOpLogger{})
	require.NoError(t, err)
	c.AttachMirror(mirror)

	assert.NotPanics(t, func() {
		c.Store("unreachable mirror target", json.RawMessage(`{"a":1}`), 0.8, nil)
	})

	got, _, ok := c.Lookup("unreachable mirror target", 0.5)
	require.True(t, ok)
	assert.JSONEq(t, `{"a":1}`, string(got))
}
