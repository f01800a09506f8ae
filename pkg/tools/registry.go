package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
	"gopkg.in/yaml.v3"

	"github.com/neuralcore/engine/pkg/core"
)

// interpretedTool wraps a yaegi-interpreted Execute function with its
// metadata loaded from the YAML sidecar. Go has no portable way to load
// arbitrary source as a real plugin without a toolchain invocation, so
// "tool source lives in a flat directory, one file per tool" is satisfied
// by interpreting <tool>.go with yaegi (the same mechanism the Sandbox
// uses for generated code) while <tool>.yaml carries the stable
// introspection metadata — see DESIGN.md for the tradeoff.
type interpretedTool struct {
	meta    Metadata
	execute func(ctx context.Context, params map[string]interface{}) (interface{}, error)
}

func (t *interpretedTool) Describe() Metadata { return t.meta }

func (t *interpretedTool) Execute(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	return t.execute(ctx, params)
}

// snapshot is the atomically-swapped catalogue: in-flight executions
// continue to see the snapshot they started with even if refresh() swaps
// in a new one underneath them.
type snapshot struct {
	tools map[string]Tool
}

// Registry is the in-memory Tool Registry, refreshable from disk.
type Registry struct {
	dir     string
	logger  core.Logger
	current atomicSnapshot

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// atomicSnapshot is a tiny hand-rolled atomic.Value wrapper typed to
// *snapshot, avoiding an interface{} cast at every read.
type atomicSnapshot struct {
	mu sync.RWMutex
	s  *snapshot
}

func (a *atomicSnapshot) Load() *snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.s
}

func (a *atomicSnapshot) Store(s *snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.s = s
}

// NewRegistry constructs a Registry rooted at dir and performs an initial
// refresh. dir need not exist yet (refresh treats a missing directory as
// an empty catalogue).
func NewRegistry(dir string, logger core.Logger) (*Registry, error) {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	r := &Registry{dir: dir, logger: logger, stopCh: make(chan struct{})}
	r.current.Store(&snapshot{tools: map[string]Tool{}})
	if err := r.Refresh(); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the named tool from the current snapshot, or
// core.ErrToolNotFound.
func (r *Registry) Get(name string) (Tool, error) {
	snap := r.current.Load()
	t, ok := snap.tools[name]
	if !ok {
		return nil, core.ErrToolNotFound
	}
	return t, nil
}

// All returns every tool's metadata in the current snapshot.
func (r *Registry) All() []Metadata {
	snap := r.current.Load()
	out := make([]Metadata, 0, len(snap.tools))
	for _, t := range snap.tools {
		out = append(out, t.Describe())
	}
	return out
}

// Refresh rescans the tool directory and atomically swaps in a new
// snapshot. In-flight executions keep referencing the snapshot — and thus
// the tool instance — they captured before the swap.
func (r *Registry) Refresh() error {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		r.current.Store(&snapshot{tools: map[string]Tool{}})
		return nil
	}
	if err != nil {
		return core.NewEngineError("Registry.Refresh", "tools", err)
	}

	next := map[string]Tool{}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".go") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".go")
		t, err := r.loadTool(name)
		if err != nil {
			r.logger.Warn("failed to load tool", map[string]interface{}{"tool": name, "error": err.Error()})
			continue
		}
		if _, dup := next[name]; dup {
			r.logger.Warn("duplicate tool name, overwriting", map[string]interface{}{"tool": name})
		}
		next[name] = t
	}
	r.current.Store(&snapshot{tools: next})
	r.logger.Info("registry refreshed", map[string]interface{}{"tool_count": len(next)})
	return nil
}

func (r *Registry) loadTool(name string) (Tool, error) {
	meta, err := r.loadMetadata(name)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(filepath.Join(r.dir, name+".go"))
	if err != nil {
		return nil, err
	}
	execute, err := interpretExecute(string(src))
	if err != nil {
		return nil, fmt.Errorf("interpreting %s.go: %w", name, err)
	}
	return &interpretedTool{meta: meta, execute: execute}, nil
}

func (r *Registry) loadMetadata(name string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(r.dir, name+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			// Minimal default metadata when no sidecar is present yet.
			return Metadata{Name: name, Description: name}, nil
		}
		return Metadata{}, err
	}
	var meta Metadata
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return Metadata{}, err
	}
	if meta.Name == "" {
		meta.Name = name
	}
	return meta, nil
}

// interpretExecute evaluates tool source with yaegi and extracts its
// top-level Execute function. The convention (Open Question (i), resolved
// in SPEC_FULL.md): a tool file is `package main` exposing exactly
//
//	func Execute(ctx context.Context, params map[string]interface{}) (interface{}, error)
func interpretExecute(src string) (func(ctx context.Context, params map[string]interface{}) (interface{}, error), error) {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return nil, err
	}
	if _, err := i.Eval(src); err != nil {
		return nil, err
	}
	v, err := i.Eval("main.Execute")
	if err != nil {
		return nil, err
	}
	fn, ok := v.Interface().(func(context.Context, map[string]interface{}) (interface{}, error))
	if !ok {
		return nil, fmt.Errorf("Execute has the wrong signature")
	}
	return fn, nil
}

// WatchAndRefresh watches the tool directory with fsnotify and refreshes
// the registry on any change, until Stop is called.
func (r *Registry) WatchAndRefresh() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return core.NewEngineError("Registry.WatchAndRefresh", "tools", err)
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return core.NewEngineError("Registry.WatchAndRefresh", "tools", err)
	}
	if err := w.Add(r.dir); err != nil {
		_ = w.Close()
		return core.NewEngineError("Registry.WatchAndRefresh", "tools", err)
	}
	r.watcher = w

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		for {
			select {
			case <-r.stopCh:
				return
			case _, ok := <-w.Events:
				if !ok {
					return
				}
				debounce.Reset(200 * time.Millisecond)
			case <-debounce.C:
				if err := r.Refresh(); err != nil {
					r.logger.Error("watch refresh failed", map[string]interface{}{"error": err.Error()})
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.Error("tool directory watch error", map[string]interface{}{"error": err.Error()})
			}
		}
	}()
	return nil
}

// Stop stops the directory watcher, if one was started.
func (r *Registry) Stop() {
	close(r.stopCh)
	if r.watcher != nil {
		_ = r.watcher.Close()
	}
	r.wg.Wait()
}
