package quota

import (
	"testing"
	"time"

	"github.com/praxislabs/dirigent/internal/event"
)

func testConfig() Config {
	return Config{
		WindowDuration:    5 * time.Hour,
		WarningThreshold:  0.75,
		HardStopThreshold: 0.95,
		Estimator:         FixedCapacity(100),
	}
}

func record(t *Tracker, provider string, n int) {
	for i := 0; i < n; i++ {
		t.RecordUsage(provider, "worker", 100, 200)
	}
}

func TestFreshProviderIsOK(t *testing.T) {
	tr := NewTracker(testConfig(), nil, nil)

	st := tr.Status("anthropic")
	if st.State != StateOK {
		t.Errorf("fresh provider state = %s, want ok", st.State)
	}
	if st.Ratio != 0 {
		t.Errorf("fresh provider ratio = %v, want 0", st.Ratio)
	}
	if !tr.CanExecute("anthropic") {
		t.Error("fresh provider should be executable")
	}
}

func TestRatioAndStateProgression(t *testing.T) {
	tr := NewTracker(testConfig(), nil, nil)

	record(tr, "anthropic", 50)
	if st := tr.Status("anthropic"); st.State != StateOK || st.Ratio != 0.5 {
		t.Errorf("at 50 calls: state=%s ratio=%v, want ok 0.5", st.State, st.Ratio)
	}

	record(tr, "anthropic", 25)
	if st := tr.Status("anthropic"); st.State != StateWarning {
		t.Errorf("at 75 calls: state=%s, want warning", st.State)
	}

	record(tr, "anthropic", 15)
	if st := tr.Status("anthropic"); st.State != StateCritical {
		t.Errorf("at 90 calls: state=%s, want critical", st.State)
	}
	if !tr.CanExecute("anthropic") {
		t.Error("critical state must still permit execution")
	}

	record(tr, "anthropic", 5)
	if st := tr.Status("anthropic"); st.State != StateExceeded {
		t.Errorf("at 95 calls: state=%s, want exceeded", st.State)
	}
	if tr.CanExecute("anthropic") {
		t.Error("exceeded state must refuse execution")
	}
}

func TestRatioCapsAtOne(t *testing.T) {
	tr := NewTracker(testConfig(), nil, nil)
	record(tr, "anthropic", 250)

	if st := tr.Status("anthropic"); st.Ratio != 1 {
		t.Errorf("ratio = %v, want capped at 1", st.Ratio)
	}
}

func TestOneNotificationPerCrossing(t *testing.T) {
	bus := event.NewBus()
	var crossings []string
	bus.Subscribe("quota.threshold", func(e event.Event) {
		crossings = append(crossings, e.(event.QuotaThresholdEvent).State)
	})

	tr := NewTracker(testConfig(), bus, nil)
	record(tr, "anthropic", 100)

	want := []string{"warning", "critical", "exceeded"}
	if len(crossings) != len(want) {
		t.Fatalf("crossings = %v, want %v", crossings, want)
	}
	for i := range want {
		if crossings[i] != want[i] {
			t.Errorf("crossing %d = %s, want %s", i, crossings[i], want[i])
		}
	}
}

func TestProvidersAreIndependent(t *testing.T) {
	tr := NewTracker(testConfig(), nil, nil)
	record(tr, "anthropic", 95)

	if tr.CanExecute("anthropic") {
		t.Error("anthropic should be exceeded")
	}
	if !tr.CanExecute("openai") {
		t.Error("openai should be unaffected")
	}
}

func TestWindowRotationResetsUsage(t *testing.T) {
	tr := NewTracker(testConfig(), nil, nil)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	record(tr, "anthropic", 95)
	if tr.CanExecute("anthropic") {
		t.Fatal("should be exceeded before rotation")
	}

	now = now.Add(5*time.Hour + time.Minute)
	if !tr.CanExecute("anthropic") {
		t.Error("rotation should reset usage")
	}
	if st := tr.Status("anthropic"); st.Ratio != 0 || st.State != StateOK {
		t.Errorf("post-rotation status = %+v, want ok/0", st)
	}
}

func TestCrossingsRearmAfterRotation(t *testing.T) {
	bus := event.NewBus()
	count := 0
	bus.Subscribe("quota.threshold", func(event.Event) { count++ })

	tr := NewTracker(testConfig(), bus, nil)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	record(tr, "anthropic", 80)
	if count != 1 {
		t.Fatalf("expected 1 crossing before rotation, got %d", count)
	}

	now = now.Add(6 * time.Hour)
	record(tr, "anthropic", 80)
	if count != 2 {
		t.Errorf("expected crossing to re-fire after rotation, got %d", count)
	}
}

func TestTierAccounting(t *testing.T) {
	tr := NewTracker(testConfig(), nil, nil)
	tr.RecordUsage("anthropic", "orchestrator", 10, 20)
	tr.RecordUsage("anthropic", "worker", 30, 40)
	tr.RecordUsage("anthropic", "worker", 5, 5)

	w := tr.WindowSnapshot("anthropic")
	if w.Calls != 3 {
		t.Errorf("Calls = %d, want 3", w.Calls)
	}
	if w.TokensSent != 45 || w.TokensReceived != 65 {
		t.Errorf("tokens = %d/%d, want 45/65", w.TokensSent, w.TokensReceived)
	}
	if tu := w.ByTier["worker"]; tu.Calls != 2 || tu.TokensSent != 35 {
		t.Errorf("worker tier = %+v", tu)
	}
	if tu := w.ByTier["orchestrator"]; tu.Calls != 1 {
		t.Errorf("orchestrator tier = %+v", tu)
	}
}

func TestResetInShrinks(t *testing.T) {
	tr := NewTracker(testConfig(), nil, nil)
	now := time.Date(2026, 8, 24, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.RecordUsage("anthropic", "worker", 1, 1)
	first := tr.Status("anthropic").ResetIn

	now = now.Add(time.Hour)
	second := tr.Status("anthropic").ResetIn
	if second >= first {
		t.Errorf("ResetIn should shrink: %v then %v", first, second)
	}
	if second != 4*time.Hour {
		t.Errorf("ResetIn = %v, want 4h", second)
	}
}
