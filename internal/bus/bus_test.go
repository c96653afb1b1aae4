package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func drain(sub *Subscription) []string {
	var topics []string
	for {
		select {
		case ev, ok := <-sub.Ch():
			if !ok {
				return topics
			}
			topics = append(topics, ev.Topic)
		default:
			return topics
		}
	}
}

func TestBus_PrefixRouting(t *testing.T) {
	published := []string{
		TopicSessionResolved,
		TopicVerifyFailed,
		TopicPolicyEvaluated,
		TopicObjectiveResolved,
		TopicKernelInbound,
	}
	tests := []struct {
		name     string
		prefixes []string
		want     []string
	}{
		{name: "all", want: published},
		{name: "empty prefix", prefixes: []string{""}, want: published},
		{name: "exact topic", prefixes: []string{TopicVerifyFailed}, want: []string{TopicVerifyFailed}},
		{name: "family", prefixes: []string{"session."}, want: []string{TopicSessionResolved}},
		{
			name:     "two families",
			prefixes: []string{"policy.", "objective."},
			want:     []string{TopicPolicyEvaluated, TopicObjectiveResolved},
		},
		{name: "none match", prefixes: []string{"audit."}, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := New()
			sub := b.Subscribe(tt.prefixes...)
			defer b.Unsubscribe(sub)

			for _, topic := range published {
				b.Publish(topic, nil)
			}
			if diff := cmp.Diff(tt.want, drain(sub)); diff != "" {
				t.Fatalf("delivered topics mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestBus_PayloadDelivered(t *testing.T) {
	b := New()
	sub := b.Subscribe("verify.")
	defer b.Unsubscribe(sub)

	want := VerifyEvent{TaskID: "t1", ChecksRun: 2, Failures: []CheckFailure{{Check: "min_artifacts", Reason: "need 2"}}}
	b.Publish(TopicVerifyFailed, want)

	select {
	case ev := <-sub.Ch():
		got, ok := ev.Payload.(VerifyEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("payload mismatch (-want +got):\n%s", diff)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_FullQueueDropsAndCounts(t *testing.T) {
	b := New()
	sub := b.SubscribeBuffered(2, "session.")
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(TopicSessionResolved, i)
	}
	b.Publish(TopicSessionReaped, "s-1")

	if got := len(drain(sub)); got != 2 {
		t.Fatalf("received %d events, want 2", got)
	}
	if b.Dropped() != 4 {
		t.Fatalf("dropped = %d, want 4", b.Dropped())
	}
	want := map[string]int64{TopicSessionResolved: 3, TopicSessionReaped: 1}
	if diff := cmp.Diff(want, b.DroppedByTopic()); diff != "" {
		t.Fatalf("per-topic drops mismatch (-want +got):\n%s", diff)
	}
}

func TestBus_UnsubscribeClosesOnce(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("count = %d, want 1", b.SubscriberCount())
	}

	b.Unsubscribe(sub)
	b.Unsubscribe(sub)
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d, want 0", b.SubscriberCount())
	}
	if _, ok := <-sub.Ch(); ok {
		t.Fatal("expected closed channel")
	}

	// Publishing after the last subscriber left must not panic.
	b.Publish(TopicKernelInbound, nil)
}

func TestBus_NilIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicVerifyPassed, nil)
	b.Unsubscribe(nil)

	var p Publisher = b
	p.Publish(TopicVerifyPassed, nil)
}

func TestBus_ConcurrentPublishers(t *testing.T) {
	const publishers, each = 8, 10
	b := New()
	sub := b.SubscribeBuffered(publishers * each)
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for g := 0; g < publishers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				b.Publish(TopicPolicyEvaluated, i)
			}
		}()
	}
	wg.Wait()

	if got := len(drain(sub)); got != publishers*each {
		t.Fatalf("received %d events, want %d", got, publishers*each)
	}
	if b.Dropped() != 0 {
		t.Fatalf("dropped = %d, want 0", b.Dropped())
	}
}
