package main

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/deep-research/internal/config"
	"github.com/basket/deep-research/internal/engine"
	"github.com/basket/deep-research/internal/otel"
	"github.com/basket/deep-research/internal/tools"
)

// demoEngine replays engine.DemoScript for the running job's query.
type demoEngine struct{}

func (demoEngine) Name() string { return "scripted" }

func (demoEngine) Run(ctx context.Context, req engine.Request, emit func(engine.Message) error) error {
	return engine.NewScriptedEngine(engine.DemoScript(tools.JobQuery(ctx))...).Run(ctx, req, emit)
}

// buildEngine returns the engine for cfg.LLM and the model recorded on jobs.
// Fallback providers wrap the primary in a FailoverEngine; a fallback that
// has no key is skipped.
func buildEngine(ctx context.Context, cfg config.Config, toolset *tools.Registry, tracer trace.Tracer, metrics *otel.Metrics, logger *slog.Logger) (engine.Engine, string) {
	primary := strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if primary == "scripted" {
		logger.Warn("scripted provider selected; research runs replay a canned script")
		return demoEngine{}, "scripted"
	}

	lead, llmOn := genkitEngine(ctx, cfg, primary, cfg.LLM.Model, toolset, tracer, metrics, logger)
	if !llmOn {
		logger.Warn("primary LLM provider unavailable", "provider", primary)
	}

	var fallbacks []engine.Engine
	for _, name := range cfg.LLM.FallbackProviders {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || name == primary {
			continue
		}
		if name == "scripted" {
			fallbacks = append(fallbacks, demoEngine{})
			continue
		}
		fb, ok := genkitEngine(ctx, cfg, name, "", toolset, tracer, metrics, logger)
		if !ok {
			logger.Warn("skipping fallback provider without API key", "provider", name)
			continue
		}
		fallbacks = append(fallbacks, fb)
	}
	if len(fallbacks) == 0 {
		return lead, lead.Model()
	}

	logger.Info("LLM failover enabled", "primary", lead.Name(), "fallbacks", len(fallbacks))
	return engine.NewFailoverEngine(lead, fallbacks, cfg.LLM.FailoverThreshold, cfg.FailoverCooldown()), lead.Model()
}

func genkitEngine(ctx context.Context, cfg config.Config, provider, model string, toolset *tools.Registry, tracer trace.Tracer, metrics *otel.Metrics, logger *slog.Logger) (*engine.GenkitEngine, bool) {
	keyName := provider
	if provider == "openai_compatible" {
		keyName = "openai"
	}
	gcfg := engine.GenkitConfig{
		Provider: provider,
		Model:    model,
		APIKey:   cfg.APIKey(keyName),
	}
	if provider == strings.ToLower(cfg.LLM.Provider) {
		gcfg.BaseURL = cfg.LLM.BaseURL
		gcfg.OpenAICompatibleProvider = cfg.LLM.OpenAICompatibleProvider
	}

	g, llmOn := engine.InitGenkit(ctx, gcfg)
	toolset.RegisterAll(g)
	return engine.NewGenkitEngine(g, llmOn, gcfg, toolset,
		engine.WithTracer(tracer),
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
	), llmOn
}
