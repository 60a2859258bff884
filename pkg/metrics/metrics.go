package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Registry counts decisions by verdict, reason and request kind. Same shape
// as a snapshot-and-serve JSON registry: cheap writes on the hot path, a
// consistent copy on read.
type Registry struct {
	mu        sync.RWMutex
	verdicts  map[string]int64
	reasons   map[string]int64
	kinds     map[string]int64
	denials   map[string]int64
	gauges    map[string]float64
	anomalies int64
}

type Snapshot struct {
	GeneratedAt string             `json:"generated_at"`
	Verdicts    map[string]int64   `json:"verdicts"`
	Reasons     map[string]int64   `json:"reasons"`
	Kinds       map[string]int64   `json:"kinds"`
	Denials     map[string]int64   `json:"denials"`
	Gauges      map[string]float64 `json:"gauges"`
	Anomalies   int64              `json:"anomalies"`
}

func NewRegistry() *Registry {
	return &Registry{
		verdicts: map[string]int64{},
		reasons:  map[string]int64{},
		kinds:    map[string]int64{},
		denials:  map[string]int64{},
		gauges:   map[string]float64{},
	}
}

func (r *Registry) ObserveDecision(kind, verdict, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts[verdict]++
	r.reasons[reason]++
	r.kinds[kind]++
	if verdict == "DENY" {
		r.denials[kind]++
	}
}

func (r *Registry) ObserveAnomaly() {
	r.mu.Lock()
	r.anomalies++
	r.mu.Unlock()
}

func (r *Registry) SetGauge(name string, value float64) {
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Verdicts:    copyCounts(r.verdicts),
		Reasons:     copyCounts(r.reasons),
		Kinds:       copyCounts(r.kinds),
		Denials:     copyCounts(r.denials),
		Gauges:      copyGauges(r.gauges),
		Anomalies:   r.anomalies,
	}
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(r.Snapshot())
	}
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyGauges(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
