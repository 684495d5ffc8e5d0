package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	checks := map[string]bool{
		"TasksCreated":     m.TasksCreated != nil,
		"AdmissionRejects": m.AdmissionRejects != nil,
		"PublishAttempts":  m.PublishAttempts != nil,
		"PublishFailures":  m.PublishFailures != nil,
		"StreamEvents":     m.StreamEvents != nil,
		"ActiveStreams":    m.ActiveStreams != nil,
		"StreamTimeouts":   m.StreamTimeouts != nil,
		"StaleRecoveries":  m.StaleRecoveries != nil,
		"TurnDuration":     m.TurnDuration != nil,
		"RequestDuration":  m.RequestDuration != nil,
		"RateLimitRejects": m.RateLimitRejects != nil,
	}
	for name, ok := range checks {
		if !ok {
			t.Errorf("%s is nil", name)
		}
	}
}

func TestNoopMetrics_UsableWithoutProvider(t *testing.T) {
	m := NoopMetrics()
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	Add(context.Background(), m.TasksCreated, 2)
	Add(context.Background(), nil, 1)
}
