/*
Package pipeline implements the per-request policy execution engine.

Every request runs through up to three stages, inbound, backend and
outbound, each an ordered list of policies resolved at load time from
the policy document. A fault in any stage aborts the remaining stages
and jumps to the on-error stage, which always terminates with a
response. Policies communicate through the per-request Context: the
inbound stage may authenticate, throttle, answer from cache or rewrite
the request, the backend stage configures routing, retry and circuit
breaking before the executor dispatches, and the outbound stage
decorates or stores the response.

The executor owns the terminal outcome: it maps every fault to a
status code with a sanitized body, so no caller ever sees a raw error.
*/
package pipeline
