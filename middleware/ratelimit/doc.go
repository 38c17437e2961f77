// Package ratelimit realizes the Request Pipeline spec.md §2 names as
// an external collaborator, in layers:
//
//   - domain: contracts and types (bucket keys, outcomes, Store,
//     ProxyError) with no dependency on net/http.
//   - application: the coordination engine's use cases — admission,
//     discovery, header ingestion, overload/abort guarding — against
//     domain's contracts, still with no net/http dependency.
//   - infra: concrete implementations of domain's contracts against
//     Redis (the Scripted State Store, its scripts, and its unlock
//     pub/sub) and in-process resources (a forward-slot semaphore, a
//     self-protective local limiter).
//   - ratelimit (this package): Pipeline, an http.Handler that wires
//     the layers above into one request lifecycle — classify, admit,
//     forward upstream, ingest response headers, shape the response.
//
// cmd/proxy wires a Pipeline from environment configuration and serves
// it behind /api/.
package ratelimit
