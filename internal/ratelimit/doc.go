// Package ratelimit implements load-adaptive, in-process admission control.
//
// # Building blocks
//
//   - TokenBucket: continuous refill up to a capacity; non-blocking and
//     context-aware blocking consumption.
//   - SlidingWindow: exact count of events in a trailing interval, used as a
//     load sensor.
//   - AdaptiveLimiter: one bucket plus one window. Observed load raises the
//     per-request token cost and lowers the usable capacity; priority offsets
//     both.
//   - Pool: a keyed registry of AdaptiveLimiters, typically keyed by
//     "{clientID}:{operation}".
//
// # Usage
//
//	pool, err := ratelimit.NewPool(ratelimit.Config{Rate: 10, Capacity: 10, BurstMultiplier: 1.5})
//	if err != nil {
//	    return err
//	}
//	ok, info, err := pool.Allow("client-42", "search", 0, ratelimit.Config{})
//	if err == nil && !ok {
//	    time.Sleep(info.RetryAfterDuration())
//	}
//
// # Time
//
// Every component reads a Clock. SystemClock relies on the monotonic
// reading carried by time.Now, so elapsed-time arithmetic is immune to
// wall-clock jumps. ManualClock drives deterministic tests.
//
// # Thread Safety
//
// Every type is safe for concurrent use and guards its own state with its
// own mutex. Admission is not fair: concurrent callers are not
// served in call order.
package ratelimit
