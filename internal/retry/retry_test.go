package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDo_Success(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Exponential(3, time.Millisecond, 10*time.Millisecond), func(attempt int) error {
		calls++
		return nil
	})
	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 1 || calls != 1 {
		t.Errorf("attempts = %d, calls = %d, want 1/1", result.Attempts, calls)
	}
}

func TestDo_RetryThenSuccess(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Exponential(5, time.Millisecond, 10*time.Millisecond), func(attempt int) error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	if result.Err != nil {
		t.Errorf("expected no error, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDo_BudgetExhausted(t *testing.T) {
	boom := errors.New("boom")
	result := Do(context.Background(), Fixed(3, time.Millisecond), func(attempt int) error {
		return boom
	})
	if !errors.Is(result.Err, boom) {
		t.Errorf("expected boom, got %v", result.Err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
}

func TestDo_Permanent(t *testing.T) {
	calls := 0
	result := Do(context.Background(), Fixed(5, time.Millisecond), func(attempt int) error {
		calls++
		return Permanent(errors.New("bad request"))
	})
	if calls != 1 {
		t.Errorf("permanent error retried: %d calls", calls)
	}
	if !IsPermanent(result.Err) {
		t.Errorf("expected permanent error, got %v", result.Err)
	}
}

func TestDo_AttemptNumbers(t *testing.T) {
	var seen []int
	Do(context.Background(), Fixed(3, time.Millisecond), func(attempt int) error {
		seen = append(seen, attempt)
		return errors.New("again")
	})
	if len(seen) != 3 || seen[0] != 1 || seen[2] != 3 {
		t.Errorf("attempt numbers = %v", seen)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := Do(ctx, Fixed(3, time.Millisecond), func(attempt int) error {
		t.Fatal("op must not run with cancelled context")
		return nil
	})
	if !errors.Is(result.Err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", result.Err)
	}
}

func TestDoWithValue(t *testing.T) {
	calls := 0
	value, result := DoWithValue(context.Background(), Fixed(3, time.Millisecond), func(attempt int) (string, error) {
		calls++
		if calls < 2 {
			return "", errors.New("again")
		}
		return "ok", nil
	})
	if result.Err != nil || value != "ok" {
		t.Errorf("got %q, %v", value, result.Err)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tt := range tests {
		if got := ItemBackoff(tt.attempt); got != tt.want {
			t.Errorf("ItemBackoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffSchedules(t *testing.T) {
	// Rate-limit schedule: base 10s, cap 60s.
	if got := Backoff(3, 10*time.Second, 60*time.Second, 2.0); got != 40*time.Second {
		t.Errorf("rate-limit backoff attempt 3 = %v, want 40s", got)
	}
	if got := Backoff(4, 10*time.Second, 60*time.Second, 2.0); got != 60*time.Second {
		t.Errorf("rate-limit backoff attempt 4 = %v, want cap 60s", got)
	}
	// Transport schedule: base 1s, cap 10s.
	if got := Backoff(5, time.Second, 10*time.Second, 2.0); got != 10*time.Second {
		t.Errorf("transport backoff attempt 5 = %v, want cap 10s", got)
	}
}
