package discovery

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/embedding"
	"github.com/neuralcore/engine/pkg/tools"
)

func writeTool(t *testing.T, dir, name, description string) {
	t.Helper()
	src := `package main

func Execute(ctx interface{}, params map[string]interface{}) (interface{}, error) {
	return nil, nil
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".go"), []byte(src), 0o644))
	yamlMeta := "name: " + name + "\ndescription: \"" + description + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(yamlMeta), 0o644))
}

func TestDiscover_ReturnsAtMostRankingLimit(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 25; i++ {
		writeTool(t, dir, "tool_"+string(rune('a'+i)), "fetches activities from a sports tracking service")
	}
	writeTool(t, dir, "strava_get_my_activities", "Get my Strava activities for the current athlete")

	reg, err := tools.NewRegistry(dir, core.NoOpLogger{})
	require.NoError(t, err)

	d := New(embedding.NewHashingEmbedder(128), nil, core.NoOpLogger{})
	d.Sync(reg)

	results, err := d.Discover(context.Background(), "Get my Strava activities", 10, 5)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(results), 5)

	found := false
	for _, r := range results {
		if r.ToolName == "strava_get_my_activities" {
			found = true
		}
	}
	assert.True(t, found, "expected strava_get_my_activities among the top candidates")
}

func TestFindAllDuplicates_FlagsNearIdenticalDescriptions(t *testing.T) {
	dir := t.TempDir()
	writeTool(t, dir, "send_email", "send an email message to a recipient")
	writeTool(t, dir, "send_mail", "send an email message to a recipient")
	writeTool(t, dir, "unrelated_tool", "compute the factorial of a number")

	reg, err := tools.NewRegistry(dir, core.NoOpLogger{})
	require.NoError(t, err)

	d := New(embedding.NewHashingEmbedder(128), nil, core.NoOpLogger{})
	d.Sync(reg)

	dups := d.FindAllDuplicates(0.90)
	require.NotEmpty(t, dups)
}
