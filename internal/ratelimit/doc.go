// Package ratelimit provides per-client sliding-window rate limiting.
//
// Each Limiter counts the requests a client key made inside a trailing window
// and rejects the request that would push the count past MaxRequests. The
// window slides with every request, there are no fixed buckets.
//
// Counts live in a Store. MemoryStore keeps them in process: every instance
// enforces its own independent limit, so N instances without a shared store
// admit up to N*MaxRequests per window. RedisStore keeps them in a sorted set
// per key and runs prune/count/append/expire as one MULTI/EXEC transaction so
// all instances share one budget.
//
// A failing store never blocks traffic. The limiter admits the request
// (Decision.FailOpen), logs the first failure of an outage once, and retries
// the store at a throttled rate until it recovers.
//
// This is defense in depth for the public listener. It does not protect
// against distributed attacks spread over many client keys.
package ratelimit
