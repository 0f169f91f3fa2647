/*
Package cache implements the response cache of the policy pipeline.

Entries are keyed by request method and path. Requests that share a
path but differ by declared vary-by headers or query parameters are
distinguished by a vary signature stored with the entry: a hit is only
valid when the entry's signature matches the signature derived from
the current request. The signature is derived from the declared
vary-by values only, never from the full header set, to keep
cardinality bounded.

Concurrent misses on the same key and signature are coalesced: exactly
one caller performs the backend fetch, the others wait for its result.
A failed fetch releases all waiters with the failure and caches
nothing.

Entries expire lazily on lookup. Eviction beyond that bounds memory
only and carries no correctness guarantee.
*/
package cache
