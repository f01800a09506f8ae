package main

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/neuralcore/engine/pkg/core"
)

func TestExitCodeFor_ConfigErrorReturnsOne(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", core.ErrInvalidConfig)
	if got := exitCodeFor(err); got != 1 {
		t.Fatalf("expected exit code 1 for a config error, got %d", got)
	}
}

func TestExitCodeFor_OtherErrorReturnsTwo(t *testing.T) {
	if got := exitCodeFor(errors.New("boom")); got != 2 {
		t.Fatalf("expected exit code 2 for an uncaught error, got %d", got)
	}
}

func TestRootCmd_RegistersAllSubcommands(t *testing.T) {
	root := rootCmd()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "investigate", "migrate"} {
		if !names[want] {
			t.Fatalf("expected subcommand %q to be registered", want)
		}
	}
}

func TestMigrateCmd_MissingDatabaseURLIsConfigError(t *testing.T) {
	t.Setenv("NEURALCORE_DATABASE_URL", "")

	cmd := migrateCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)

	err := cmd.RunE(cmd, nil)
	if err == nil {
		t.Fatal("expected an error when NEURALCORE_DATABASE_URL is unset")
	}
	if !errors.Is(err, core.ErrInvalidConfig) {
		t.Fatalf("expected a config error, got: %v", err)
	}
}
