package bus

import (
	"strings"
	"testing"
	"time"
)

func TestBrokerTopics_ShareBrokerPrefix(t *testing.T) {
	topics := []string{
		TopicSessionAdmitted,
		TopicSessionPromoted,
		TopicSessionClosed,
		TopicAccessResolved,
		TopicIdle,
	}
	seen := map[string]bool{}
	for _, topic := range topics {
		if !strings.HasPrefix(topic, "broker.") {
			t.Fatalf("topic %q lacks broker. prefix", topic)
		}
		if seen[topic] {
			t.Fatalf("duplicate topic %q", topic)
		}
		seen[topic] = true
	}
}

func TestBrokerTopics_SessionPrefixExcludesAccess(t *testing.T) {
	b := New()
	sub := b.Subscribe("broker.session.")
	defer b.Unsubscribe(sub)

	b.Publish(TopicAccessResolved, AccessResolvedEvent{RequestID: 1, Outcome: "denied"})
	b.Publish(TopicSessionClosed, SessionEvent{SessionID: "client1", Role: "instance"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicSessionClosed {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicSessionClosed)
		}
		if p, ok := ev.Payload.(SessionEvent); !ok || p.SessionID != "client1" {
			t.Fatalf("unexpected payload %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session event")
	}
}

func TestBus_NilPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Publish(TopicIdle, nil)
}
