/*
Package ratelimit implements fixed-window rate limiting and quota
tracking for the policy pipeline.

Both the rate limiter and the quota tracker are backed by the same
sharded counter store. A counter belongs to a window that either rolls
from the first observed call or is aligned to calendar boundaries
(multiples of the window length in UTC, e.g. a 24h window resets at
UTC midnight). The counter resets lazily: the reset is applied by the
first access that crosses the window boundary, under the lock of the
owning shard, so every concurrent accessor observes it before
incrementing.

The window is fixed, not sliding. The Check contract (allowed,
remaining, retry-after) would admit a sliding-window or leaky-bucket
implementation behind the same interface, but fixed windows keep the
reported Retry-After value exact and the counter state constant-size.
*/
package ratelimit
