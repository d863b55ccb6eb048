package monitor

import (
	"testing"
	"time"
)

func TestEvaluateUsage(t *testing.T) {
	tests := []struct {
		name      string
		current   int64
		limit     int64
		wantLevel string
		wantNil   bool
	}{
		{name: "below warning", current: 10, limit: 100, wantNil: true},
		{name: "at warning", current: 75, limit: 100, wantLevel: LevelWarning},
		{name: "between warning and critical", current: 80, limit: 100, wantLevel: LevelWarning},
		{name: "at critical", current: 90, limit: 100, wantLevel: LevelCritical},
		{name: "over limit", current: 120, limit: 100, wantLevel: LevelCritical},
		{name: "zero limit means unlimited", current: 500, limit: 0, wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := New()
			alert := m.EvaluateUsage("web_search", tt.current, tt.limit)
			if tt.wantNil {
				if alert != nil {
					t.Fatalf("expected no alert, got %+v", alert)
				}
				return
			}
			if alert == nil {
				t.Fatal("expected an alert, got nil")
			}
			if alert.Level != tt.wantLevel {
				t.Errorf("level = %q, want %q", alert.Level, tt.wantLevel)
			}
			if alert.Category != "web_search" {
				t.Errorf("category = %q, want web_search", alert.Category)
			}
		})
	}
}

func TestEvaluateUsagePerCategoryThresholds(t *testing.T) {
	m := New(WithThresholds(map[string]Thresholds{
		"crypto_price": {WarningPct: 50, CriticalPct: 60},
	}))

	if alert := m.EvaluateUsage("crypto_price", 55, 100); alert == nil || alert.Level != LevelWarning {
		t.Fatalf("expected warning at 55%% with custom thresholds, got %+v", alert)
	}
	// Other categories keep the defaults.
	if alert := m.EvaluateUsage("weather", 55, 100); alert != nil {
		t.Fatalf("expected no alert for weather at 55%%, got %+v", alert)
	}
}

func TestEvaluateUsageClearsOnRecovery(t *testing.T) {
	m := New()

	m.EvaluateUsage("web_search", 95, 100)
	if len(m.Snapshot().Alerts) != 1 {
		t.Fatal("expected one recorded alert")
	}

	m.EvaluateUsage("web_search", 10, 100)
	if len(m.Snapshot().Alerts) != 0 {
		t.Fatal("expected alert cleared after usage dropped")
	}
}

func TestShouldBlockAfterRepeatedIncidents(t *testing.T) {
	m := New(WithAutoBlockAt(3))

	for i := 0; i < 2; i++ {
		m.RecordIncident("discord:u1", "credential_harvesting", "warning")
	}
	if m.ShouldBlock("discord:u1") {
		t.Fatal("should not block below the incident threshold")
	}

	m.RecordIncident("discord:u1", "sql_injection", "warning")
	if !m.ShouldBlock("discord:u1") {
		t.Fatal("expected block recommendation at the incident threshold")
	}
	if m.ShouldBlock("discord:u2") {
		t.Fatal("other users must not be affected")
	}
}

func TestIncidentRollingWindowDecay(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := New(
		WithAutoBlockAt(2),
		WithIncidentWindow(time.Hour),
		WithClock(func() time.Time { return current }),
	)

	m.RecordIncident("telegram:u9", "path_traversal", "warning")
	m.RecordIncident("telegram:u9", "path_traversal", "warning")
	if !m.ShouldBlock("telegram:u9") {
		t.Fatal("expected block while incidents are fresh")
	}

	current = current.Add(2 * time.Hour)
	if m.ShouldBlock("telegram:u9") {
		t.Fatal("expected decayed incidents to lift the block")
	}
	if got := m.IncidentCount("telegram:u9"); got != 0 {
		t.Fatalf("incident count after decay = %d, want 0", got)
	}
}

func TestIncidentMapPrune(t *testing.T) {
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := New(WithClock(func() time.Time {
		current = current.Add(time.Second)
		return current
	}))
	m.maxKeys = 4

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		m.RecordIncident(key, "script_injection", "warning")
	}

	if len(m.incidents) > 4 {
		t.Fatalf("incident map size = %d, want <= 4 after prune", len(m.incidents))
	}
	// The newest key survives pruning.
	if _, ok := m.incidents["e"]; !ok {
		t.Fatal("expected newest key to survive prune")
	}
}

func TestSnapshot(t *testing.T) {
	m := New()
	m.EvaluateUsage("web_search", 95, 100)
	m.RecordIncident("discord:u1", "credential_harvesting", "warning")
	m.RecordIncident("discord:u1", "credential_harvesting", "warning")

	snap := m.Snapshot()
	if snap.Alerts["web_search"].Level != LevelCritical {
		t.Errorf("snapshot alert level = %q, want critical", snap.Alerts["web_search"].Level)
	}
	if snap.Incidents["discord:u1"] != 2 {
		t.Errorf("snapshot incident count = %d, want 2", snap.Incidents["discord:u1"])
	}
}
