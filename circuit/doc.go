/*
Package circuit implements a circuit breaker per backend.

A breaker protects a persistently failing backend from further
traffic. It starts closed and counts consecutive failures (5xx or
transport errors). Reaching the failure threshold opens the circuit:
calls fail fast without reaching the backend. After the cooldown the
breaker admits exactly one trial request (half-open); the trial's
success closes the circuit, its failure reopens it and restarts the
cooldown. Requests arriving while the trial is unresolved fail fast as
if the circuit were open.

The state machine is the TwoStepCircuitBreaker of

https://github.com/sony/gobreaker

with MaxRequests pinned to one trial. Transitions are atomic under
concurrent observation: two requests discovering "should open"
simultaneously cannot double-open or double-count.
*/
package circuit
