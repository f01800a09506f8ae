package neurons

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeValidator_AcceptsWellFormedProgram(t *testing.T) {
	v := NewCodeValidator(nil)
	code := `package main

import "sandbox"
import "tool"

func main() {
	result, _ := tool.Call("hello_world", map[string]interface{}{})
	sandbox.SetResult(result)
}
`
	result, err := v.Process(context.Background(), "goal-1", code, "hello_world", 0)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Empty(t, result.Problems)
}

func TestCodeValidator_RejectsMissingSetResult(t *testing.T) {
	v := NewCodeValidator(nil)
	code := `package main

func main() {
}
`
	result, err := v.Process(context.Background(), "goal-1", code, "hello_world", 0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, result.Feedback(), "SetResult")
}

func TestCodeValidator_RejectsMissingToolReference(t *testing.T) {
	v := NewCodeValidator(nil)
	code := `package main

import "sandbox"

func main() {
	sandbox.SetResult(nil)
}
`
	result, err := v.Process(context.Background(), "goal-1", code, "hello_world", 0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestCodeValidator_RejectsUnparseableSource(t *testing.T) {
	v := NewCodeValidator(nil)
	result, err := v.Process(context.Background(), "goal-1", "not valid go {{{", "hello_world", 0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}

func TestCodeValidator_RejectsForbiddenConstructs(t *testing.T) {
	v := NewCodeValidator(nil)
	code := `package main

import "sandbox"
import "os"

func main() {
	os.Exit(1)
	sandbox.SetResult(nil)
}
`
	result, err := v.Process(context.Background(), "goal-1", code, "", 0)
	require.NoError(t, err)
	assert.False(t, result.Valid)
}
