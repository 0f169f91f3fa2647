/*
Package policyflow implements an API gateway policy engine: every
request runs through an ordered pipeline of declarative policies
covering authentication, rate limiting, quota enforcement, response
caching, transformation and backend dispatch with retries and circuit
breaking.

Policies are declared in a YAML document, grouped into four stages per
operation:

	operations:
	  - method: GET
	    path: /orders/*
	    policies:
	      inbound:
	        - base: {}
	        - rate-limit: {calls: 100, window: 60s, key: ip}
	        - cache-lookup: {vary-by-query: [page]}
	      outbound:
	        - cache-store: {ttl: 30s}
	        - base: {}
	global:
	  inbound:
	    - authenticate: {keyset-url: https://issuer.example.org/jwks.json}
	  backend:
	    - route:
	        backends:
	          - {id: orders, url: "http://orders.internal", path-prefix: /orders}
	        default: orders
	    - circuit-break: {failures: 5, cooldown: 30s}
	    - retry: {count: 3, interval: 1s, delta: 1s, max-interval: 10s}

The base marker splices the global declarations of the stage at its
position, resolved once at load time. An operation that does not
declare a stage inherits it wholesale.

The inbound stage runs before the backend is contacted: a denied rate
limit, a failed token validation or a cache hit all settle the request
right there. The backend stage routes, gates the dispatch with a
per-backend circuit breaker and retries transient failures. The
outbound stage decorates and optionally caches the response. Any fault
jumps to the on-error stage, which always terminates with a sanitized
response.

Use Run with Options to start the gateway, or assemble the pieces
directly from the pipeline, policy, ratelimit, cache, auth, backend
and circuit packages.
*/
package policyflow
