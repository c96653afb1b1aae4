package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/basket/claw-kernel/internal/bus"
	"github.com/basket/claw-kernel/internal/config"
	"github.com/basket/claw-kernel/internal/kernel"
	"github.com/basket/claw-kernel/internal/llm"
	"github.com/basket/claw-kernel/internal/objective"
	otelPkg "github.com/basket/claw-kernel/internal/otel"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/policy"
	"github.com/basket/claw-kernel/internal/session"
	"github.com/basket/claw-kernel/internal/summary"
	"github.com/basket/claw-kernel/internal/telemetry"
	"github.com/basket/claw-kernel/internal/verify"
)

// app holds everything a command needs, built once from config.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	store   *persistence.Store
	live    *policy.LiveTable
	engine  *policy.Engine
	kernel  *kernel.Kernel
}

func openApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &app{cfg: cfg, logger: logger, bus: bus.New()}

	prov, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.otel = prov
	if a.metrics, err = otelPkg.NewMetrics(prov.Meter); err != nil {
		_ = prov.Shutdown(ctx)
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		_ = prov.Shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store

	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg
	log := a.logger

	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	a.live = policy.NewLiveTable(pol, cfg.PolicyPath())
	var table policy.Table = a.live
	if cfg.Policy.Source == "db" {
		// Rows edited in the table directly must survive every start; the
		// file only seeds a fresh table. `policy seed` forces a replace.
		seeded, err := a.store.WriteRiskPolicies(ctx, pol, cfg.PolicyPath(), persistence.SeedIfEmpty)
		if err != nil {
			return fmt.Errorf("seed risk policies: %w", err)
		}
		if seeded {
			log.Info("risk_policies seeded from policy file", "path", cfg.PolicyPath(), "rules", len(pol.Rules))
		}
		table = a.store
	} else if err := a.store.RecordPolicyVersion(ctx, a.live.PolicyVersion(), cfg.PolicyPath(), len(pol.Rules)); err != nil {
		log.Warn("failed to record policy version", "error", err)
	}

	completer, err := newCompleter(ctx, cfg)
	if err != nil {
		if !errors.Is(err, llm.ErrNoAPIKey) {
			return fmt.Errorf("init llm: %w", err)
		}
		log.Warn("llm provider configured without api key; running without llm", "provider", cfg.LLM.Provider)
	}

	var drift session.DriftClassifier
	var followup objective.FollowupClassifier
	var extractor objective.Extractor
	if completer != nil {
		if cfg.Session.DriftEnabled {
			drift = llm.NewDriftClassifier(completer)
		}
		if cfg.Objective.UseLLM {
			followup = llm.NewFollowupClassifier(completer)
			extractor = llm.NewObjectiveExtractor(completer)
		}
	}
	providers, err := summaryProviders(ctx, cfg, completer, log)
	if err != nil {
		return err
	}

	sessions := session.NewResolver(a.store, drift, session.Config{
		Timeout:        cfg.SessionTimeout(),
		DriftEnabled:   cfg.Session.DriftEnabled,
		DriftThreshold: cfg.Session.DriftThreshold,
		ResetPhrases:   cfg.Session.ResetPhrases,
	}, a.bus, telemetry.Component(log, "session"))
	objectives := objective.NewResolver(a.store, nil, followup, extractor, objective.Config{
		HeuristicThreshold: cfg.Objective.HeuristicThreshold,
	}, a.bus, telemetry.Component(log, "objective"))
	a.engine = policy.NewEngine(table, policy.EngineConfig{
		StrictAttenuation: cfg.Policy.StrictAttenuation,
		Classes:           pol.Classes(),
	}, a.bus, telemetry.Component(log, "policy"))
	verifier := verify.NewEngine(a.store, a.bus, telemetry.Component(log, "verify"))

	compactor := summary.NewCompactor(providers, cfg.Summary.FailoverThreshold, cfg.FailoverCooldown(), telemetry.Component(log, "summary"))
	compactor.SetKVStore(a.store)
	compactor.LoadBreakerState(ctx)

	k, err := kernel.New(kernel.Deps{
		Store:      a.store,
		Sessions:   sessions,
		Objectives: objectives,
		Policy:     a.engine,
		Verifier:   verifier,
		Compactor:  compactor,
		Publisher:  a.bus,
		Tracer:     a.otel.Tracer,
		Metrics:    a.metrics,
		Logger:     log,
	})
	if err != nil {
		return err
	}
	a.kernel = k
	return nil
}

// completerFor builds the completer for one named provider.
var completerFor = func(ctx context.Context, cfg config.Config, provider string) (llm.Completer, error) {
	c, err := llm.NewGenkitCompleter(ctx, llm.Config{
		Provider:           provider,
		Model:              cfg.ProviderModel(provider),
		APIKey:             cfg.ProviderAPIKey(provider),
		BaseURL:            cfg.ProviderBaseURL(provider),
		CompatibleProvider: cfg.LLM.OpenAICompatibleProvider,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// newCompleter returns nil when no LLM provider is configured.
func newCompleter(ctx context.Context, cfg config.Config) (llm.Completer, error) {
	if !cfg.LLMEnabled() {
		return nil, nil
	}
	return completerFor(ctx, cfg, cfg.LLM.Provider)
}

// summaryProviders ranks the primary completer first, then one completer per
// summary.fallback_providers entry. Fallbacks without credentials are
// skipped with a warning.
func summaryProviders(ctx context.Context, cfg config.Config, primary llm.Completer, log *slog.Logger) ([]summary.Provider, error) {
	names := cfg.SummaryProviders()
	if len(names) == 0 {
		return nil, nil
	}
	var out []summary.Provider
	if primary != nil {
		out = append(out, summary.Provider{Name: "llm:" + names[0], Summarizer: llm.NewSummarizer(primary)})
	}
	for _, name := range names[1:] {
		c, err := completerFor(ctx, cfg, name)
		if errors.Is(err, llm.ErrNoAPIKey) {
			log.Warn("summary fallback provider has no api key; skipped", "provider", name)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("init summary fallback %s: %w", name, err)
		}
		out = append(out, summary.Provider{Name: "llm:" + name, Summarizer: llm.NewSummarizer(c)})
	}
	return out, nil
}

// reloadPolicy re-reads the policy file into the live table. The previous
// table stays active when the file does not parse.
func (a *app) reloadPolicy(ctx context.Context) error {
	path := a.cfg.PolicyPath()
	if err := policy.ReloadFromFile(a.live, path); err != nil {
		return err
	}
	snap := a.live.Snapshot()
	a.engine.SetClasses(snap.Classes())
	if a.cfg.Policy.Source == "db" {
		if _, err := a.store.WriteRiskPolicies(ctx, snap, path, persistence.SeedMerge); err != nil {
			return fmt.Errorf("merge risk policies: %w", err)
		}
	} else if err := a.store.RecordPolicyVersion(ctx, a.live.PolicyVersion(), path, len(snap.Rules)); err != nil {
		a.logger.Warn("failed to record policy version", "error", err)
	}
	a.bus.Publish(bus.TopicPolicyReloaded, bus.PolicyReloadedEvent{
		Path:          path,
		PolicyVersion: a.live.PolicyVersion(),
		Rules:         len(snap.Rules),
	})
	a.logger.Info("policy reloaded", "path", path, "policy_version", a.live.PolicyVersion(), "rules", len(snap.Rules))
	return nil
}

func (a *app) close(ctx context.Context) {
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.otel != nil {
		_ = a.otel.Shutdown(ctx)
	}
}
