package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	tests := []struct {
		name        string
		policy      Policy
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt with no jitter",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     1,
			randomValue: 0.5,
			expected:    100 * time.Millisecond,
		},
		{
			name:        "second attempt doubles",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     2,
			randomValue: 0.5,
			expected:    200 * time.Millisecond,
		},
		{
			name:        "third attempt quadruples",
			policy:      Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0},
			attempt:     3,
			randomValue: 0.5,
			expected:    400 * time.Millisecond,
		},
		{
			name:        "clamped to max",
			policy:      Policy{InitialMs: 100, MaxMs: 500, Factor: 2, Jitter: 0},
			attempt:     10,
			randomValue: 0.5,
			expected:    500 * time.Millisecond,
		},
		{
			name:        "429 base at attempt 1",
			policy:      FixedBase(5000, 60000),
			attempt:     1,
			randomValue: 0,
			expected:    5000 * time.Millisecond,
		},
		{
			name:        "429 base at attempt 3",
			policy:      FixedBase(5000, 60000),
			attempt:     3,
			randomValue: 0,
			expected:    20000 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(tt.policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeWithRand() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestComputeAttemptLessThanOneTreatedAsOne(t *testing.T) {
	policy := Policy{InitialMs: 100, MaxMs: 10000, Factor: 2, Jitter: 0}
	got := ComputeWithRand(policy, 0, 0)
	if got != 100*time.Millisecond {
		t.Errorf("ComputeWithRand() with attempt 0 = %v, want 100ms", got)
	}
}
