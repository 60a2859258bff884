package stream

import (
	"sync"
	"time"

	"warden/pkg/models"
)

const (
	TypeDecision = "decision"
	TypeAnomaly  = "anomaly"
	TypeReload   = "config_reload"
)

// Event is one entry on the live decision feed. Exactly one of the payload
// fields is set, selected by Type.
type Event struct {
	Type       string           `json:"type"`
	At         time.Time        `json:"at"`
	Decision   *models.Decision `json:"decision,omitempty"`
	Kind       string           `json:"kind,omitempty"`
	Generation int64            `json:"generation,omitempty"`
}

func DecisionEvent(d models.Decision) Event {
	return Event{Type: TypeDecision, At: time.Now().UTC(), Decision: &d}
}

// AnomalyEvent flags a denial-rate threshold crossing for a request kind.
func AnomalyEvent(kind string) Event {
	return Event{Type: TypeAnomaly, At: time.Now().UTC(), Kind: kind}
}

func ReloadEvent(generation int64) Event {
	return Event{Type: TypeReload, At: time.Now().UTC(), Generation: generation}
}

// Hub fans decision events out to live subscribers. Publish never blocks:
// a slow subscriber loses events rather than stalling the decision path.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]struct{}{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
