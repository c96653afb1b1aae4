package bus

import (
	"testing"
	"time"
)

func TestTopics_AreDistinct(t *testing.T) {
	topics := []string{
		TopicVerifyPassed, TopicVerifyFailed,
		TopicSessionResolved, TopicObjectiveResolved, TopicSessionReaped,
		TopicPolicyEvaluated, TopicPolicyReloaded, TopicKernelInbound,
	}
	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if topic == "" {
			t.Fatal("empty topic constant")
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestVerifyEvents_PrefixSubscription(t *testing.T) {
	b := New()
	sub := b.Subscribe("verify.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicVerifyFailed, VerifyEvent{TaskID: "t1", ChecksRun: 1, Failures: []CheckFailure{{Check: "foo", Reason: "Unknown check type: foo"}}})
	b.Publish(TopicSessionResolved, SessionResolvedEvent{SessionID: "s1"})

	select {
	case ev := <-sub.Ch():
		payload, ok := ev.Payload.(VerifyEvent)
		if !ok {
			t.Fatalf("payload type %T", ev.Payload)
		}
		if payload.TaskID != "t1" || len(payload.Failures) != 1 {
			t.Fatalf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for verify event")
	}

	select {
	case ev := <-sub.Ch():
		t.Fatalf("unexpected event %q on verify subscription", ev.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}
