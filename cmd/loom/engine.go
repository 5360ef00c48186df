package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/agentstation/loom"
	"github.com/agentstation/loom/builtin"
	"github.com/agentstation/loom/capability"
	"github.com/agentstation/loom/capability/openai"
	"github.com/agentstation/loom/capability/vector"
	"github.com/agentstation/loom/internal/config"
	"github.com/agentstation/loom/internal/tracing"
)

// newEngine builds the built-in registry, the configured capabilities and
// tracing, and an engine over them. The returned cleanup flushes spans and
// closes any opened stores.
func (a *app) newEngine(traceOut io.Writer, extra ...loom.Option) (*loom.Engine, func(), error) {
	caps, closeCaps, err := buildCapabilities(a.cfg, a.logger)
	if err != nil {
		return nil, nil, err
	}

	provider, err := tracing.NewProvider(a.cfg.Tracing, tracing.WithWriter(traceOut))
	if err != nil {
		closeCaps()
		return nil, nil, fmt.Errorf("tracing: %w", err)
	}

	opts := append(a.cfg.EngineOptions(),
		loom.WithLogger(a.logger),
		loom.WithTracer(provider.Tracer()),
	)
	opts = append(opts, extra...)

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracing shutdown", "error", err)
		}
		closeCaps()
	}
	return loom.New(builtin.NewRegistry(), caps, opts...), cleanup, nil
}

// buildCapabilities wires the generator, embedder and vector index named by
// cfg. Without an API key or base URL the AI capabilities stay unset and
// nodes that need them fail with a capability error.
func buildCapabilities(cfg config.Config, logger *slog.Logger) (loom.Capabilities, func(), error) {
	var caps loom.Capabilities
	closers := []io.Closer{}

	if cfg.AI.APIKey != "" || cfg.AI.BaseURL != "" {
		client := openai.New(openai.Config{
			BaseURL:        cfg.AI.BaseURL,
			APIKey:         cfg.AI.APIKey,
			Model:          cfg.AI.Model,
			EmbeddingModel: cfg.AI.EmbeddingModel,
		})

		var gen loom.Generator = capability.WithLatencyThreshold(client, cfg.AI.LatencyThreshold)
		var emb loom.Embedder = client
		if b := cfg.AI.Breaker; b.Failures > 0 {
			gen = capability.NewBreaker(gen, b.Failures, b.Cooldown, logStateChanges(logger, "generator"))
			emb = capability.NewEmbedBreaker(emb, b.Failures, b.Cooldown, logStateChanges(logger, "embedder"))
		}
		caps.Generator = gen
		caps.Embedder = emb
	}

	switch cfg.Vector.Backend {
	case "sqlite":
		idx, err := vector.OpenSQLite(cfg.Vector.Path)
		if err != nil {
			return loom.Capabilities{}, nil, fmt.Errorf("open vector index: %w", err)
		}
		caps.Vectors = idx
		closers = append(closers, idx)
	default:
		caps.Vectors = vector.NewMemory()
	}
	if cfg.Vector.CacheTTL > 0 {
		caps.Vectors = vector.NewCached(caps.Vectors, cfg.Vector.CacheTTL)
	}

	closeAll := func() {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		if err := errors.Join(errs...); err != nil {
			logger.Warn("close capabilities", "error", err)
		}
	}
	return caps, closeAll, nil
}

func logStateChanges(logger *slog.Logger, name string) capability.CircuitOption {
	return capability.WithStateChange(func(from, to capability.CircuitState) {
		logger.Warn("circuit state changed", "capability", name, "from", from.String(), "to", to.String())
	})
}
