package retry

import (
	"testing"
	"time"

	"github.com/kination/dagrun/pkg/task"
)

func TestDecide_DefaultLimit(t *testing.T) {
	opts := task.DefaultOptions()

	tests := []struct {
		attempts  int
		wantRetry bool
	}{
		{1, true},
		{2, true},
		{3, false},
		{4, false},
	}
	for _, tt := range tests {
		v := Decide(tt.attempts, opts)
		if v.Retry != tt.wantRetry {
			t.Errorf("Decide(%d): retry = %v, want %v", tt.attempts, v.Retry, tt.wantRetry)
		}
		if v.Retry && v.Delay != 3*time.Minute {
			t.Errorf("Decide(%d): delay = %v, want 3m", tt.attempts, v.Delay)
		}
		if v.Exhausted() == tt.wantRetry {
			t.Errorf("Decide(%d): Exhausted() inconsistent with Retry", tt.attempts)
		}
	}
}

func TestDecide_NoRetries(t *testing.T) {
	for _, limit := range []int{0, 1} {
		opts := task.DefaultOptions().Apply(task.WithRetryLimit(limit))
		if v := Decide(1, opts); v.Retry {
			t.Errorf("limit %d: expected exhausted after first attempt", limit)
		}
	}
}

func TestDelay_Exponential(t *testing.T) {
	opts := task.DefaultOptions().Apply(
		task.WithRetryDelay(time.Second),
		task.WithExponentialBackoff(5*time.Second),
	)

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := Delay(i+1, opts); got != w {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestDelay_Fixed(t *testing.T) {
	opts := task.DefaultOptions().Apply(task.WithRetryDelay(10 * time.Millisecond))
	for attempt := 1; attempt < 5; attempt++ {
		if got := Delay(attempt, opts); got != 10*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want 10ms", attempt, got)
		}
	}
}

func TestDelay_ExponentialUncappedDoesNotOverflow(t *testing.T) {
	opts := task.DefaultOptions().Apply(
		task.WithRetryDelay(time.Nanosecond),
		task.WithExponentialBackoff(0),
	)
	for _, attempt := range []int{63, 64, 100} {
		if got := Delay(attempt, opts); got != time.Duration(1<<62) {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, time.Duration(1<<62))
		}
	}
}
