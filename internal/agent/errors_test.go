package agent

import (
	"errors"
	"testing"
)

func TestLoopError(t *testing.T) {
	cause := errors.New("provider error")
	err := &LoopError{
		Phase:     PhaseStream,
		Iteration: 3,
		Message:   "streaming failed",
		Cause:     cause,
	}

	errStr := err.Error()
	if !contains(errStr, "stream") {
		t.Errorf("error should contain phase: %s", errStr)
	}
	if !contains(errStr, "3") {
		t.Errorf("error should contain iteration: %s", errStr)
	}
	if !contains(errStr, "streaming failed") {
		t.Errorf("error should contain message: %s", errStr)
	}

	if !errors.Is(err, cause) {
		t.Error("should unwrap to cause")
	}
}

func TestLoopError_NoMessage(t *testing.T) {
	cause := errors.New("provider error")
	err := &LoopError{Phase: PhaseExecuteTools, Iteration: 1, Cause: cause}

	if !contains(err.Error(), "provider error") {
		t.Errorf("error should fall back to cause: %s", err.Error())
	}
}

func TestLoopError_Kind(t *testing.T) {
	err := &LoopError{Phase: PhaseStream, Kind: KindProviderTransport, Cause: errors.New("boom")}
	if !contains(err.Error(), "provider_transport") {
		t.Errorf("error should mention its kind: %s", err.Error())
	}

	unclassified := &LoopError{Phase: PhaseInit, Cause: errors.New("boom")}
	if contains(unclassified.Error(), "[") {
		t.Errorf("unclassified error should not render a kind tag: %s", unclassified.Error())
	}
}

func TestLoopPhases(t *testing.T) {
	phases := []LoopPhase{
		PhaseInit,
		PhaseStream,
		PhaseExecuteTools,
		PhaseContinue,
		PhaseComplete,
	}

	for _, p := range phases {
		if string(p) == "" {
			t.Errorf("phase %v should have string representation", p)
		}
	}
}

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrMaxIterations,
		ErrContextCancelled,
		ErrNoProvider,
	}

	for _, err := range sentinels {
		if err == nil {
			t.Error("sentinel error should not be nil")
		}
		if err.Error() == "" {
			t.Errorf("sentinel %v should have message", err)
		}
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(s) > 0 && containsAt(s, substr))
}

func containsAt(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
