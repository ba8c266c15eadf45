package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestOpensAfterThresholdAndRecovers(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := NewCircuitBreaker(Config{FailureThreshold: 3, SuccessThreshold: 2, Timeout: 10 * time.Second, HalfOpenMaxRequests: 1})
	cb.now = func() time.Time { return now }

	var transitions []string
	cb.OnStateChange(func(from, to State) { transitions = append(transitions, from.String()+"->"+to.String()) })

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBoom }, nil); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}
	called := false
	if err := cb.Execute(func() error { called = true; return nil }, nil); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("open breaker err = %v", err)
	}
	if called {
		t.Fatal("fn ran while breaker open")
	}

	now = now.Add(11 * time.Second)
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }, nil); err != nil {
			t.Fatalf("half-open call %d: %v", i, err)
		}
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.GetState())
	}
	want := []string{"closed->open", "open->half_open", "half_open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker(Config{FailureThreshold: 1})
	ignore := func(err error) bool { return errors.Is(err, errBoom) }
	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return errBoom }, ignore)
	}
	if cb.GetState() != StateClosed {
		t.Fatalf("state = %s, want closed", cb.GetState())
	}
}
