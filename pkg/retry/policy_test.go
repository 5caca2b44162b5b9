package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNextDelayExponential(t *testing.T) {
	p := &Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     300 * time.Millisecond,
		Multiplier:   2.0,
	}

	expected := []time.Duration{
		0,
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond, // capped
		300 * time.Millisecond,
	}
	for attempt, want := range expected {
		if got := p.NextDelay(attempt); got != want {
			t.Errorf("NextDelay(%d) = %v, want %v", attempt, got, want)
		}
	}
}

func TestNextDelayJitterBounds(t *testing.T) {
	p := &Policy{InitialDelay: time.Second, Multiplier: 2.0, Jitter: 0.1}

	for i := 0; i < 200; i++ {
		got := p.NextDelay(1)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Fatalf("NextDelay(1) = %v, outside jitter bounds", got)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	p := &Policy{MaxAttempts: 3}
	boom := errors.New("boom")

	tests := []struct {
		name    string
		attempt int
		err     error
		want    bool
	}{
		{"first failure retries", 1, boom, true},
		{"max reached", 3, boom, false},
		{"nil error", 1, nil, false},
		{"permanent", 1, Permanent(boom), false},
		{"canceled", 1, context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.attempt, tt.err); got != tt.want {
				t.Fatalf("ShouldRetry(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
			}
		})
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := &Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1}
	calls := 0

	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	p := &Policy{MaxAttempts: 5, InitialDelay: time.Millisecond}
	denied := errors.New("access denied")
	calls := 0

	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		return Permanent(denied)
	})
	if !errors.Is(err, denied) {
		t.Fatalf("Do() error = %v, want %v", err, denied)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestDoAttemptTimeout(t *testing.T) {
	p := &Policy{MaxAttempts: 2, Timeout: 10 * time.Millisecond, InitialDelay: time.Millisecond}
	calls := 0

	err := Do(context.Background(), p, func(ctx context.Context) error {
		calls++
		<-ctx.Done()
		return ctx.Err()
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Do() error = %v, want ErrTimeout", err)
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

func TestDoNilPolicySingleAttempt(t *testing.T) {
	calls := 0
	_ = Do(context.Background(), nil, func(ctx context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}
