package stream

import (
	"testing"

	"warden/pkg/models"
)

func TestHubFansOut(t *testing.T) {
	h := NewHub()
	a := h.Subscribe(4)
	b := h.Subscribe(4)

	h.Publish(DecisionEvent(models.Decision{Verdict: models.VerdictDeny, Reason: models.ReasonRateLimited}))

	for name, ch := range map[string]chan Event{"a": a, "b": b} {
		select {
		case evt := <-ch:
			if evt.Type != TypeDecision || evt.Decision == nil {
				t.Fatalf("subscriber %s got unexpected event: %+v", name, evt)
			}
			if evt.Decision.Reason != models.ReasonRateLimited {
				t.Fatalf("subscriber %s got wrong payload: %+v", name, evt.Decision)
			}
		default:
			t.Fatalf("subscriber %s got nothing", name)
		}
	}
}

func TestHubNeverBlocksOnSlowSubscriber(t *testing.T) {
	h := NewHub()
	slow := h.Subscribe(1)
	fast := h.Subscribe(8)

	for i := 0; i < 5; i++ {
		h.Publish(AnomalyEvent("inbound_message"))
	}
	if len(slow) != 1 {
		t.Fatalf("slow subscriber should keep only its buffer: %d", len(slow))
	}
	if len(fast) != 5 {
		t.Fatalf("fast subscriber should see everything: %d", len(fast))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub()
	ch := h.Subscribe(1)
	h.Unsubscribe(ch)
	if _, open := <-ch; open {
		t.Fatalf("channel should be closed after unsubscribe")
	}
	// double unsubscribe must not panic on a closed channel
	h.Unsubscribe(ch)
	h.Publish(ReloadEvent(3))
}
