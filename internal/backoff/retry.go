package backoff

import "context"

// Sleeper abstracts the act of waiting out a backoff delay so retry loops
// can be tested without actually blocking. The zero value is not usable;
// use RealSleeper or a fake that records delays.
type Sleeper interface {
	Sleep(ctx context.Context, d Policy, attempt int) error
}

// SleeperFunc adapts a function to the Sleeper interface.
type SleeperFunc func(ctx context.Context, d Policy, attempt int) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d Policy, attempt int) error {
	return f(ctx, d, attempt)
}

// RealSleeper sleeps for real using SleepWithBackoff.
var RealSleeper Sleeper = SleeperFunc(SleepWithBackoff)
