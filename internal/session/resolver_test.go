package session_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/claw-kernel/internal/bus"
	"github.com/basket/claw-kernel/internal/persistence"
	"github.com/basket/claw-kernel/internal/session"
)

var base = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "kernel.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeClassifier struct {
	verdict session.DriftVerdict
	err     error
	calls   int
}

func (f *fakeClassifier) ClassifyDrift(context.Context, string, string) (session.DriftVerdict, error) {
	f.calls++
	return f.verdict, f.err
}

func input(msg string) session.Input {
	return session.Input{WorkspaceID: "ws", Channel: "whatsapp", RemoteJID: "15550001111@s.whatsapp.net", Message: msg}
}

// seed creates an active session last touched at `at` with the given summary.
func seed(t *testing.T, store *persistence.Store, at time.Time, summary string) *persistence.Session {
	t.Helper()
	store.SetClock(func() time.Time { return at })
	in := input("")
	sess, err := store.CreateSession(context.Background(), in.WorkspaceID, in.Channel, in.RemoteJID)
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	if summary != "" {
		if err := store.UpdateSessionSummary(context.Background(), sess.ID, summary); err != nil {
			t.Fatalf("seed summary: %v", err)
		}
	}
	store.SetClock(func() time.Time { return time.Now().UTC() })
	return sess
}

func newResolver(store *persistence.Store, classifier session.DriftClassifier, cfg session.Config, now time.Time) *session.Resolver {
	r := session.NewResolver(store, classifier, cfg, nil, nil)
	r.SetClock(func() time.Time { return now })
	return r
}

func TestResolve_NoActiveSession(t *testing.T) {
	store := openTestStore(t)
	r := newResolver(store, nil, session.Config{}, base)

	for _, msg := range []string{"hello", "start over", ""} {
		in := input(msg)
		in.RemoteJID = "jid-" + msg
		res, err := r.Resolve(context.Background(), in)
		if err != nil {
			t.Fatalf("resolve %q: %v", msg, err)
		}
		if res.Decision != session.DecisionNew || res.Reason != session.ReasonNoActiveSession {
			t.Fatalf("msg %q: got %s/%s, want new/no_active_session", msg, res.Decision, res.Reason)
		}
		if res.Session == nil || !res.Session.IsActive() {
			t.Fatalf("expected a new active session, got %+v", res.Session)
		}
	}
}

func TestResolve_Timeout(t *testing.T) {
	tests := []struct {
		idle         time.Duration
		wantDecision session.Decision
		wantReason   string
	}{
		{31 * time.Minute, session.DecisionNew, session.ReasonTimeout},
		{29 * time.Minute, session.DecisionContinue, session.ReasonActive},
	}
	for _, tc := range tests {
		t.Run(tc.idle.String(), func(t *testing.T) {
			store := openTestStore(t)
			existing := seed(t, store, base, "")
			r := newResolver(store, nil, session.Config{}, base.Add(tc.idle))

			res, err := r.Resolve(context.Background(), input("what about tomorrow?"))
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Decision != tc.wantDecision || res.Reason != tc.wantReason {
				t.Fatalf("got %s/%s, want %s/%s", res.Decision, res.Reason, tc.wantDecision, tc.wantReason)
			}
			old, _ := store.GetSession(context.Background(), existing.ID)
			if tc.wantDecision == session.DecisionNew {
				if old.IsActive() || res.SessionID == existing.ID {
					t.Fatalf("timed-out session should be closed and replaced")
				}
			} else if res.SessionID != existing.ID {
				t.Fatalf("expected to continue %s, got %s", existing.ID, res.SessionID)
			}
		})
	}
}

func TestResolve_ExplicitReset(t *testing.T) {
	store := openTestStore(t)
	existing := seed(t, store, base, "")
	r := newResolver(store, nil, session.Config{}, base.Add(time.Minute))

	res, err := r.Resolve(context.Background(), input("ok let's start over now"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != session.DecisionNew || res.Reason != session.ReasonExplicitReset {
		t.Fatalf("got %s/%s, want new/explicit_reset", res.Decision, res.Reason)
	}
	old, _ := store.GetSession(context.Background(), existing.ID)
	if old.IsActive() {
		t.Fatalf("reset must close the previous session")
	}
}

func TestResolve_NonResetContinues(t *testing.T) {
	store := openTestStore(t)
	existing := seed(t, store, base, "")
	r := newResolver(store, nil, session.Config{}, base.Add(time.Minute))

	res, err := r.Resolve(context.Background(), input("restart overhaul"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != session.DecisionContinue || res.SessionID != existing.ID {
		t.Fatalf("got %s/%s on %s, want continue on %s", res.Decision, res.Reason, res.SessionID, existing.ID)
	}
}

func TestResolve_ClosedSessionCountsAsNoActive(t *testing.T) {
	for _, msg := range []string{"hello", "start over"} {
		t.Run(msg, func(t *testing.T) {
			store := openTestStore(t)
			existing := seed(t, store, base, "")
			if err := store.CloseSession(context.Background(), existing.ID); err != nil {
				t.Fatalf("close: %v", err)
			}
			r := newResolver(store, nil, session.Config{}, base.Add(time.Minute))

			res, err := r.Resolve(context.Background(), input(msg))
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Decision != session.DecisionNew || res.Reason != session.ReasonNoActiveSession {
				t.Fatalf("got %s/%s, want new/no_active_session", res.Decision, res.Reason)
			}
			if res.SessionID == existing.ID {
				t.Fatal("closed session reused")
			}
		})
	}
}

// staleStore hands back a closed row from the active lookup.
type staleStore struct {
	*persistence.Store
	stale *persistence.Session
}

func (s staleStore) ActiveSession(context.Context, string, string, string) (*persistence.Session, error) {
	return s.stale, nil
}

func TestResolve_StaleActiveLookupIsClosedSession(t *testing.T) {
	store := openTestStore(t)
	existing := seed(t, store, base, "")
	if err := store.CloseSession(context.Background(), existing.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	closed, err := store.GetSession(context.Background(), existing.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	r := session.NewResolver(staleStore{Store: store, stale: closed}, nil, session.Config{}, nil, nil)
	r.SetClock(func() time.Time { return base.Add(time.Minute) })

	res, err := r.Resolve(context.Background(), input("hello"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Decision != session.DecisionNew || res.Reason != session.ReasonClosedSession {
		t.Fatalf("got %s/%s, want new/closed_session", res.Decision, res.Reason)
	}
}

func TestResolve_ContinueTouchesSession(t *testing.T) {
	store := openTestStore(t)
	existing := seed(t, store, base, "")
	r := newResolver(store, nil, session.Config{}, base.Add(5*time.Minute))

	res, err := r.Resolve(context.Background(), input("and the next step?"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Session.LastMessageAt.After(existing.LastMessageAt) {
		t.Fatalf("last_message_at not advanced: %v <= %v", res.Session.LastMessageAt, existing.LastMessageAt)
	}
}

func TestResolve_Drift(t *testing.T) {
	tests := []struct {
		name         string
		enabled      bool
		summary      string
		verdict      session.DriftVerdict
		err          error
		wantDecision session.Decision
		wantReason   string
		wantCalls    int
	}{
		{
			name: "confident new", enabled: true, summary: "planning a trip",
			verdict:      session.DriftVerdict{Decision: session.DecisionNew, Confidence: 0.92, Reason: "unrelated_topic"},
			wantDecision: session.DecisionNew, wantReason: "topic_drift:unrelated_topic", wantCalls: 1,
		},
		{
			name: "low confidence", enabled: true, summary: "planning a trip",
			verdict:      session.DriftVerdict{Decision: session.DecisionNew, Confidence: 0.79, Reason: "maybe"},
			wantDecision: session.DecisionContinue, wantReason: session.ReasonActive, wantCalls: 1,
		},
		{
			name: "classifier error", enabled: true, summary: "planning a trip",
			err:          errors.New("provider down"),
			wantDecision: session.DecisionContinue, wantReason: session.ReasonDriftClassifierError, wantCalls: 1,
		},
		{
			name: "disabled", enabled: false, summary: "planning a trip",
			verdict:      session.DriftVerdict{Decision: session.DecisionNew, Confidence: 1},
			wantDecision: session.DecisionContinue, wantReason: session.ReasonActive, wantCalls: 0,
		},
		{
			name: "empty summary", enabled: true, summary: "",
			verdict:      session.DriftVerdict{Decision: session.DecisionNew, Confidence: 1},
			wantDecision: session.DecisionContinue, wantReason: session.ReasonActive, wantCalls: 0,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := openTestStore(t)
			seed(t, store, base, tc.summary)
			classifier := &fakeClassifier{verdict: tc.verdict, err: tc.err}
			r := newResolver(store, classifier, session.Config{DriftEnabled: tc.enabled}, base.Add(time.Minute))

			res, err := r.Resolve(context.Background(), input("what's the weather in Oslo"))
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if res.Decision != tc.wantDecision || res.Reason != tc.wantReason {
				t.Fatalf("got %s/%s, want %s/%s", res.Decision, res.Reason, tc.wantDecision, tc.wantReason)
			}
			if classifier.calls != tc.wantCalls {
				t.Fatalf("classifier calls = %d, want %d", classifier.calls, tc.wantCalls)
			}
		})
	}
}

func TestResolve_ConcurrentCreatesOneSession(t *testing.T) {
	store := openTestStore(t)
	r := newResolver(store, nil, session.Config{}, base)

	const n = 6
	var wg sync.WaitGroup
	results := make([]session.Resolution, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = r.Resolve(context.Background(), input("hi"))
		}(i)
	}
	wg.Wait()

	ids := map[string]struct{}{}
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("resolve %d: %v", i, errs[i])
		}
		ids[results[i].SessionID] = struct{}{}
	}
	if len(ids) != 1 {
		t.Fatalf("expected all resolutions to share one session, got %d", len(ids))
	}
}

func TestResolve_PublishesEvent(t *testing.T) {
	store := openTestStore(t)
	b := bus.New()
	sub := b.Subscribe(bus.TopicSessionResolved)
	defer b.Unsubscribe(sub)

	r := session.NewResolver(store, nil, session.Config{}, b, nil)
	res, err := r.Resolve(context.Background(), input("hello"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	ev := <-sub.Ch()
	payload := ev.Payload.(bus.SessionResolvedEvent)
	if payload.SessionID != res.SessionID || payload.Reason != session.ReasonNoActiveSession {
		t.Fatalf("unexpected event %+v", payload)
	}
}

func TestResolve_CustomRuleChain(t *testing.T) {
	store := openTestStore(t)
	r := newResolver(store, nil, session.Config{}, base)
	rules := append([]session.Rule{{
		Name:  "maintenance",
		Match: func(_ context.Context, st *session.State) bool { return st.Input.Message == "ping" },
		Action: func(context.Context, *session.State) (session.Resolution, error) {
			return session.Resolution{Decision: session.DecisionContinue, Reason: "maintenance"}, nil
		},
	}}, r.DefaultRules()...)
	r.SetRules(rules)

	res, err := r.Resolve(context.Background(), input("ping"))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Reason != "maintenance" {
		t.Fatalf("custom rule not applied: %+v", res)
	}
}
