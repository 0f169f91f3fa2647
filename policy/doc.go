/*
Package policy defines the declarative policy document, its YAML
format, and the one-time resolution of inheritance into immutable,
flattened per-operation policy sets.

A document declares a global scope and any number of operations. An
operation carries four stage sections, inbound, backend, outbound and
on-error, each an ordered list of typed policy declarations:

	operations:
	  - method: GET
	    path: /orders/*
	    policies:
	      inbound:
	        - base: {}
	        - rate-limit: {calls: 100, window: 60s}
	      outbound:
	        - cache-store: {ttl: 30s}
	        - base: {}
	global:
	  inbound:
	    - authenticate: {keyset-url: https://idp.example.org/keys}
	  on-error:
	    - trace: {}

`base: {}` is the inheritance marker: the global scope's policies for
the same stage are spliced in at that position. Resolution happens
exactly once at load time, per-request evaluation never walks an
inheritance chain. A stage section that is entirely absent inherits
the global stage wholesale; an explicitly empty section declares
"no policies".
*/
package policy
