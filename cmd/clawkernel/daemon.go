package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/basket/claw-kernel/internal/config"
	"github.com/basket/claw-kernel/internal/cron"
	"github.com/basket/claw-kernel/internal/kernel"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/scope"
	"github.com/basket/claw-kernel/internal/telemetry"
	"github.com/basket/claw-kernel/internal/verify"
)

const maxRequestBytes = 1 << 20

// request is one line of the daemon's JSONL protocol.
type request struct {
	ID     string          `json:"id,omitempty"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params"`
}

type response struct {
	ID     string `json:"id,omitempty"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// runDaemon starts the idle reaper and the policy watcher and serves
// requests from in until ctx is cancelled.
func runDaemon(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	log := a.logger

	if n, err := a.store.RunRetention(ctx, a.cfg.RetentionAuditLogDays); err != nil {
		log.Warn("audit retention failed", "error", err)
	} else if n > 0 {
		log.Info("audit retention purged rows", "rows", n)
	}

	if a.cfg.Reaper.Enabled {
		reaper, err := cron.NewReaper(cron.Config{
			Store:     a.store,
			Logger:    telemetry.Component(log, "reaper"),
			Publisher: a.bus,
			Expr:      a.cfg.Reaper.Schedule,
			Timeout:   a.cfg.SessionTimeout(),
			OnSweep:   func(n int) { a.metrics.RecordReaped(ctx, n) },
		})
		if err != nil {
			return fmt.Errorf("start reaper: %w", err)
		}
		reaper.Start(ctx)
		defer reaper.Stop()
	}

	watcher := config.NewWatcher(a.cfg, telemetry.Component(log, "watcher"))
	if err := watcher.Start(ctx); err != nil {
		log.Warn("config watcher unavailable; hot reload disabled", "error", err)
	} else {
		go a.handleReloads(ctx, watcher.Events())
	}

	log.Info("daemon started",
		"db_path", a.cfg.DBPath,
		"policy_path", a.cfg.PolicyPath(),
		"policy_source", a.cfg.Policy.Source,
		"reaper", a.cfg.Reaper.Enabled,
	)
	go func() {
		if err := serve(ctx, a, in, out); err != nil {
			log.Warn("request stream ended with error", "error", err)
		}
	}()
	<-ctx.Done()
	log.Info("daemon stopping", "bus_dropped", a.bus.DroppedByTopic())
	return nil
}

func (a *app) handleReloads(ctx context.Context, events <-chan config.ReloadEvent) {
	fingerprint := a.cfg.Fingerprint()
	for ev := range events {
		switch ev.Kind {
		case config.KindPolicy:
			if err := a.reloadPolicy(ctx); err != nil {
				a.logger.Error("policy reload rejected; keeping previous table", "path", ev.Path, "error", err)
			}
		case config.KindConfig:
			next, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				a.logger.Error("config reload failed", "error", err)
				continue
			}
			if fp := next.Fingerprint(); fp != fingerprint {
				fingerprint = fp
				a.logger.Warn("config.yaml changed; restart the daemon to apply", "fingerprint", fp)
			}
		}
	}
}

// serve answers one JSON response line per request line. Requests are
// handled in order.
func serve(ctx context.Context, a *app, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxRequestBytes)
	enc := json.NewEncoder(out)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var req request
		resp := response{}
		if err := json.Unmarshal(line, &req); err != nil {
			resp.Error = "invalid request: " + err.Error()
		} else {
			resp.ID = req.ID
			result, err := a.dispatch(ctx, req)
			if err != nil {
				resp.Error = err.Error()
			} else {
				resp.Result = result
			}
		}
		if err := enc.Encode(resp); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (a *app) dispatch(ctx context.Context, req request) (any, error) {
	k := a.kernel
	switch req.Op {
	case "inbound":
		var msg kernel.Message
		if err := decodeParams(req.Params, &msg); err != nil {
			return nil, err
		}
		return k.Inbound(ctx, msg)
	case "turn":
		var in kernel.TurnInput
		if err := decodeParams(req.Params, &in); err != nil {
			return nil, err
		}
		sum, err := k.RecordTurn(ctx, in)
		if err != nil {
			return nil, err
		}
		return map[string]string{"session_id": in.SessionID, "context_summary": sum}, nil
	case "evidence":
		var ev persistence.ToolEvidence
		if err := decodeParams(req.Params, &ev); err != nil {
			return nil, err
		}
		return k.RecordEvidence(ctx, ev)
	case "complete", "fail":
		var p struct {
			ObjectiveID string `json:"objective_id"`
			Text        string `json:"text"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if req.Op == "complete" {
			return k.CompleteObjective(ctx, p.ObjectiveID, p.Text)
		}
		return k.FailObjective(ctx, p.ObjectiveID, p.Text)
	case "evaluate":
		var sc scope.Scope
		if err := decodeParams(req.Params, &sc); err != nil {
			return nil, err
		}
		return k.Authorize(ctx, sc), nil
	case "attenuate":
		var p struct {
			Parent    *scope.Scope `json:"parent"`
			Requested scope.Scope  `json:"requested"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return k.Delegate(ctx, p.Parent, p.Requested), nil
	case "verify":
		var p struct {
			Task      verify.Task `json:"task"`
			ActorID   string      `json:"actor_id"`
			ActorKind string      `json:"actor_kind"`
		}
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := verify.CheckActor(p.ActorKind); err != nil {
			return nil, err
		}
		return k.Verify(ctx, p.Task, p.ActorID)
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return fmt.Errorf("params required")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
