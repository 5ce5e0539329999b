package degrade

import (
	"testing"
	"time"
)

func failTimes(m *Manager, name string, n int) {
	for i := 0; i < n; i++ {
		m.ReportFailure(name, "dependency down")
	}
}

func TestStartsAtFull(t *testing.T) {
	m := NewManager(DefaultConfig)
	defer m.Shutdown()

	if m.GetLevel() != Full {
		t.Errorf("level = %s, want full", m.GetLevel())
	}
}

func TestFailuresBelowThresholdStayFull(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 3, RecoveryCheckInterval: time.Hour})
	defer m.Shutdown()

	failTimes(m, "crm_api", 2)
	if m.GetLevel() != Full {
		t.Errorf("level = %s, want full below threshold", m.GetLevel())
	}
}

func TestEscalatesWithFailureDensity(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 3, RecoveryCheckInterval: time.Hour})
	defer m.Shutdown()

	// Register four healthy components first.
	for _, name := range []string{"crm_api", "phone_api", "gemini_api", "billing"} {
		m.ReportSuccess(name)
	}

	failTimes(m, "crm_api", 3) // 1/4 unhealthy
	if m.GetLevel() != Reduced {
		t.Errorf("level = %s, want reduced at 1/4 unhealthy", m.GetLevel())
	}

	failTimes(m, "phone_api", 3) // 2/4 unhealthy
	if m.GetLevel() != Minimal {
		t.Errorf("level = %s, want minimal at 2/4 unhealthy", m.GetLevel())
	}

	failTimes(m, "gemini_api", 3)
	failTimes(m, "billing", 3) // 4/4 unhealthy
	if m.GetLevel() != Critical {
		t.Errorf("level = %s, want critical with everything down", m.GetLevel())
	}
}

func TestSuccessDeEscalates(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 3, RecoveryCheckInterval: time.Hour})
	defer m.Shutdown()

	m.ReportSuccess("phone_api")
	failTimes(m, "crm_api", 3)
	if m.GetLevel() != Reduced {
		t.Fatalf("level = %s, want reduced", m.GetLevel())
	}

	m.ReportSuccess("crm_api")
	if m.GetLevel() != Full {
		t.Errorf("level = %s, want full after recovery", m.GetLevel())
	}
}

func TestRecoveryTimerClearsStaleFailures(t *testing.T) {
	m := NewManager(Config{FailureThreshold: 1, RecoveryCheckInterval: 20 * time.Millisecond})
	defer m.Shutdown()

	m.ReportFailure("crm_api", "timeout")
	if m.GetLevel() == Full {
		t.Fatal("expected degraded level after failure")
	}

	deadline := time.Now().Add(time.Second)
	for m.GetLevel() != Full && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if m.GetLevel() != Full {
		t.Errorf("level = %s, want full after recovery interval", m.GetLevel())
	}
}

func TestLevelChangeCallback(t *testing.T) {
	changes := make(chan Level, 4)
	m := NewManager(
		Config{FailureThreshold: 1, RecoveryCheckInterval: time.Hour},
		WithLevelChange(func(level Level, _ string) { changes <- level }),
	)
	defer m.Shutdown()

	m.ReportFailure("crm_api", "timeout")

	select {
	case level := <-changes:
		if level != Reduced {
			t.Errorf("callback level = %s, want reduced", level)
		}
	case <-time.After(time.Second):
		t.Fatal("no level change callback received")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	m := NewManager(DefaultConfig)
	m.Shutdown()
	m.Shutdown() // must not panic
}
