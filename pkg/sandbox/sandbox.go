// Package sandbox executes a single generated Go snippet in isolation,
// using github.com/traefik/yaegi's in-process interpreter rather than
// shelling out to `go run` or a container. The generated program publishes
// its answer through a setResult callback injected into the interpreter's
// symbol table instead of a normal return value, and execution is bounded
// by a context deadline rather than a fixed CPU budget.
package sandbox

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"github.com/neuralcore/engine/pkg/core"
)

// Result is what a sandboxed run produces: either a value passed to
// setResult, or an error (a panic recovered from the interpreted code, such
// as one raised after a failed tool.Call, a compile/eval failure, or a
// timeout). main has no return value, so no Go error is returned from it.
type Result struct {
	Value    interface{}
	Err      error
	Duration time.Duration
}

// Sandbox runs generated snippets with a default execution timeout.
type Sandbox struct {
	defaultTimeout time.Duration
	logger         core.Logger
}

// New builds a Sandbox. defaultTimeout is used when Run's context carries
// no deadline of its own.
func New(defaultTimeout time.Duration, logger core.Logger) *Sandbox {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Sandbox{defaultTimeout: defaultTimeout, logger: logger}
}

// ToolCaller is the function a generated program reaches through the
// injected "tool" package: tool.Call(name, params) dispatches to the Tool
// Registry's Execute on the caller's behalf, since interpreted code has no
// way to import the host program's packages directly.
type ToolCaller func(name string, params map[string]interface{}) (interface{}, error)

// Run evaluates code (a full `package main` source file) and runs its
// main function. code is expected to call the injected setResult(v
// interface{}) function exactly once; if it never does, Value is nil.
// Run never blocks past the context deadline (or the sandbox's default
// timeout, if ctx has none): the interpreter goroutine is abandoned, not
// killed, since yaegi offers no cooperative cancellation — the caller
// gets its answer back on time regardless.
func (s *Sandbox) Run(ctx context.Context, code string) Result {
	return s.run(ctx, code, nil)
}

// RunWithTool is Run, additionally exposing a "tool" package whose
// Call(name string, params map[string]interface{}) (interface{}, error)
// lets generated code invoke the tool the Code Generator selected.
func (s *Sandbox) RunWithTool(ctx context.Context, code string, caller ToolCaller) Result {
	return s.run(ctx, code, caller)
}

func (s *Sandbox) run(ctx context.Context, code string, caller ToolCaller) Result {
	start := time.Now()
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.defaultTimeout)
		defer cancel()
	}

	type outcome struct {
		value interface{}
		err   error
	}
	resultCh := make(chan outcome, 1)

	go func() {
		var captured interface{}
		var captureErr error
		setResult := func(v interface{}) { captured = v }

		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("panic in sandboxed code: %v", r)}
				return
			}
			resultCh <- outcome{value: captured, err: captureErr}
		}()

		i := interp.New(interp.Options{})
		if err := i.Use(stdlib.Symbols); err != nil {
			resultCh <- outcome{err: core.NewEngineError("Sandbox.Run", "sandbox", err)}
			return
		}
		if err := i.Use(sandboxExports(setResult)); err != nil {
			resultCh <- outcome{err: core.NewEngineError("Sandbox.Run", "sandbox", err)}
			return
		}
		if caller != nil {
			if err := i.Use(toolExports(caller)); err != nil {
				resultCh <- outcome{err: core.NewEngineError("Sandbox.Run", "sandbox", err)}
				return
			}
		}

		if _, err := i.Eval(code); err != nil {
			captureErr = fmt.Errorf("evaluating generated code: %w", err)
			return
		}

		v, err := i.Eval("main.main")
		if err != nil {
			captureErr = fmt.Errorf("locating main: %w", err)
			return
		}
		mainFn, ok := v.Interface().(func())
		if !ok {
			captureErr = fmt.Errorf("main has the wrong signature")
			return
		}
		mainFn()
	}()

	select {
	case <-ctx.Done():
		s.logger.Warn("sandbox run exceeded deadline", map[string]interface{}{"elapsed": time.Since(start).String()})
		return Result{Err: core.ErrDeadlineExceeded, Duration: time.Since(start)}
	case out := <-resultCh:
		return Result{Value: out.value, Err: out.err, Duration: time.Since(start)}
	}
}

// sandboxExports builds the yaegi symbol table entry exposing a "sandbox"
// package to interpreted code, with a single function: SetResult(v
// interface{}). Interpreted snippets import it as:
//
//	import "sandbox"
//	func main() { sandbox.SetResult(42) }
func sandboxExports(setResult func(interface{})) interp.Exports {
	return interp.Exports{
		"sandbox/sandbox": {
			"SetResult": reflect.ValueOf(setResult),
		},
	}
}

// toolExports builds the yaegi symbol table entry exposing a "tool"
// package with a single function: Call(name string, params map[string]
// interface{}) (interface{}, error). Interpreted snippets import it as:
//
//	import "tool"
//	func main() {
//		result, err := tool.Call("hello_world", map[string]interface{}{})
//		...
//	}
func toolExports(caller ToolCaller) interp.Exports {
	return interp.Exports{
		"tool/tool": {
			"Call": reflect.ValueOf(func(name string, params map[string]interface{}) (interface{}, error) {
				return caller(name, params)
			}),
		},
	}
}
