package metrics

import (
	"encoding/json"
	"net/http/httptest"
	"testing"
)

func TestRegistryCounts(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision("inbound_message", "ALLOW", "OK")
	r.ObserveDecision("inbound_message", "DENY", "RATE_LIMITED")
	r.ObserveDecision("device_event", "DENY", "duplicate_state")
	r.ObserveAnomaly()
	r.SetGauge("audit_dropped", 3)

	s := r.Snapshot()
	if s.Verdicts["ALLOW"] != 1 || s.Verdicts["DENY"] != 2 {
		t.Fatalf("unexpected verdicts: %+v", s.Verdicts)
	}
	if s.Reasons["RATE_LIMITED"] != 1 {
		t.Fatalf("unexpected reasons: %+v", s.Reasons)
	}
	if s.Denials["inbound_message"] != 1 || s.Denials["device_event"] != 1 {
		t.Fatalf("unexpected denials: %+v", s.Denials)
	}
	if s.Anomalies != 1 || s.Gauges["audit_dropped"] != 3 {
		t.Fatalf("unexpected snapshot: %+v", s)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision("inbound_message", "ALLOW", "OK")
	s := r.Snapshot()
	s.Verdicts["ALLOW"] = 99
	if r.Snapshot().Verdicts["ALLOW"] != 1 {
		t.Fatalf("snapshot mutation leaked into the registry")
	}
}

func TestHandlerServesJSON(t *testing.T) {
	r := NewRegistry()
	r.ObserveDecision("inbound_message", "DENY", "RATE_LIMITED")

	rec := httptest.NewRecorder()
	r.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type: %q", ct)
	}
	var s Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if s.Verdicts["DENY"] != 1 {
		t.Fatalf("unexpected body: %+v", s)
	}
}
