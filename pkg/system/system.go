// Package system is the single wiring site: it builds every component
// from a core.Config and hands back a System whose fields hold
// references, not ownership, of its peers (spec.md §9's "components
// hold references to peers, not ownership" design note).
package system

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/neuralcore/engine/pkg/autoimprove"
	"github.com/neuralcore/engine/pkg/core"
	"github.com/neuralcore/engine/pkg/discovery"
	"github.com/neuralcore/engine/pkg/embedding"
	"github.com/neuralcore/engine/pkg/errorrecovery"
	"github.com/neuralcore/engine/pkg/httpapi"
	"github.com/neuralcore/engine/pkg/llm"
	"github.com/neuralcore/engine/pkg/logging"
	"github.com/neuralcore/engine/pkg/neurons"
	"github.com/neuralcore/engine/pkg/orchestrator"
	"github.com/neuralcore/engine/pkg/patterncache"
	"github.com/neuralcore/engine/pkg/sandbox"
	"github.com/neuralcore/engine/pkg/selfinvestigation"
	"github.com/neuralcore/engine/pkg/store"
	"github.com/neuralcore/engine/pkg/tools"
	"github.com/neuralcore/engine/pkg/versionmanager"
)

const defaultSandboxTimeout = 30 * time.Second

// System bundles every live component the engine needs, already wired.
type System struct {
	Config *core.Config
	Logger core.Logger
	Bus    *core.EventBus

	Store     *store.PostgresStore
	Cache     *patterncache.Cache
	Registry  *tools.Registry
	Discovery *discovery.Discovery
	Sandbox   *sandbox.Sandbox

	Recovery     *errorrecovery.Recovery
	Versions     *versionmanager.Manager
	Orchestrator *orchestrator.Orchestrator
	Investigator *selfinvestigation.Investigator
	Improver     *autoimprove.Improver
	HTTP         *httpapi.Server

	zap         *logging.ZapLogger
	cacheMirror *patterncache.RedisMirror
}

// New builds a System from cfg. version is stamped onto the HTTP
// surface's /health response.
func New(ctx context.Context, cfg *core.Config, version string) (*System, error) {
	zapLogger, err := logging.New(cfg.LLMProvider == "mock")
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	logger := zapLogger.WithComponent("system")
	bus := core.NewEventBus()

	embedder := embedding.NewHashingEmbedder(cfg.EmbeddingDim)
	llmClient := buildLLMClient(cfg)

	st, err := store.Open(ctx, cfg.DatabaseURL, cfg.MaxOpenConns, cfg.MaxIdleConns, logger)
	if err != nil {
		return nil, fmt.Errorf("open execution store: %w", err)
	}

	cache, err := patterncache.New(filepath.Join(cfg.CacheDir, "patterns.json"), embedder, logger)
	if err != nil {
		return nil, fmt.Errorf("load pattern cache: %w", err)
	}

	registry, err := tools.NewRegistry(cfg.ToolsDir, logger)
	if err != nil {
		return nil, fmt.Errorf("load tool registry: %w", err)
	}

	disc := discovery.New(embedder, st, logger)
	disc.Sync(registry)

	var cacheMirror *patterncache.RedisMirror
	if cfg.RedisURL != "" {
		cacheMirror, err = patterncache.NewRedisMirror(cfg.RedisURL, logger)
		if err != nil {
			return nil, fmt.Errorf("connect pattern cache redis mirror: %w", err)
		}
		cache.AttachMirror(cacheMirror)
	}

	sb := sandbox.New(defaultSandboxTimeout, logger)

	intentClassifier := neurons.NewIntentClassifier(cache, llmClient, cfg.CacheThreshold, logger, bus)
	toolSelector := neurons.NewToolSelector(cache, disc, registry, llmClient, cfg.CacheThreshold, logger, bus)
	codeGenerator := neurons.NewCodeGenerator(llmClient, logger, bus)
	codeValidator := neurons.NewCodeValidator(bus)
	generativeResponder := neurons.NewGenerativeResponder(llmClient, bus)
	forge := neurons.NewToolForge(llmClient, bus)

	recovery := errorrecovery.New(llmClient, logger)
	versions := versionmanager.New(st, registry, cfg.ToolsDir, logger)

	orch := orchestrator.New(orchestrator.Config{
		Store:                st,
		Registry:             registry,
		Sandbox:              sb,
		IntentClassifier:     intentClassifier,
		ToolSelector:         toolSelector,
		CodeGenerator:        codeGenerator,
		CodeValidator:        codeValidator,
		GenerativeResponder:  generativeResponder,
		Recovery:             recovery,
		MaxDepth:             cfg.MaxDepth,
		MaxValidationRetries: cfg.MaxValidationRetries,
		Logger:               logger,
		Bus:                  bus,
	})

	investigator := selfinvestigation.New(st, bus, logger, cfg.InvestigationInterval)

	improver := autoimprove.New(autoimprove.Config{
		Store:                  st,
		Registry:               registry,
		Forge:                  forge,
		Versions:               versions,
		Investigator:           investigator,
		ToolsDir:               cfg.ToolsDir,
		Logger:                 logger,
		EnableRealImprovements: cfg.EnableRealImprovements,
		EnableAutoImprovement:  cfg.EnableAutoImprovement,
		ConfidenceThreshold:    cfg.ConfidenceThreshold,
		MinSampleSize:          cfg.MinSampleSize,
	})

	httpServer := httpapi.New(orch, st, registry, logger, cfg.AuthToken, version)

	return &System{
		Config:       cfg,
		Logger:       logger,
		Bus:          bus,
		Store:        st,
		Cache:        cache,
		Registry:     registry,
		Discovery:    disc,
		Sandbox:      sb,
		Recovery:     recovery,
		Versions:     versions,
		Orchestrator: orch,
		Investigator: investigator,
		Improver:     improver,
		HTTP:         httpServer,
		zap:          zapLogger,
		cacheMirror:  cacheMirror,
	}, nil
}

func buildLLMClient(cfg *core.Config) llm.Client {
	switch cfg.LLMProvider {
	case "anthropic":
		return llm.NewAnthropicClient(cfg.LLMAPIKey, cfg.LLMModel)
	case "openai":
		return llm.NewOpenAIClient(cfg.LLMAPIKey, cfg.LLMModel)
	default:
		return llm.NewMockClient()
	}
}

// Start launches background loops: the tool directory watcher and
// Self-Investigation's periodic health cycle.
func (s *System) Start(ctx context.Context) {
	if err := s.Registry.WatchAndRefresh(); err != nil {
		s.Logger.Warn("tool directory watch disabled", map[string]interface{}{"error": err.Error()})
	}
	s.Investigator.Start(ctx)
}

// Shutdown stops background loops, closes the store, and flushes logs.
// It proceeds through every step even if an earlier one fails, returning
// the first error encountered.
func (s *System) Shutdown() error {
	s.Investigator.Stop()
	s.Registry.Stop()

	var firstErr error
	if s.cacheMirror != nil {
		if err := s.cacheMirror.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close pattern cache redis mirror: %w", err)
		}
	}
	if err := s.Store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close store: %w", err)
	}
	_ = s.zap.Sync()
	return firstErr
}
