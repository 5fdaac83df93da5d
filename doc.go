// Package registry keeps long-lived, stateful MCP session handles reachable
// across stateless HTTP request/response cycles. Each process owns a bounded,
// TTL-aware local cache of handles; in mirrored mode a best-effort Redis
// presence mirror additionally records which session ids are alive anywhere
// in a fleet, so a process receiving a request for a session it never created
// can rehydrate it: synthesize a fresh handle bound to the same id and tell
// the caller to re-run the lightweight protocol re-initialization.
//
// Layers & Roles
//
//	Registry        -> resolves ids to handles, coordinates rehydration, chains close cleanup
//	cache           -> bounded LRU + TTL store of live handles (always authoritative)
//	presence.Mirror -> advisory "this id exists" records with TTL (mirrored mode only)
//	transport       -> the opaque handle capability the registry depends on
//
// # Resolution outcomes
//
// Resolve returns one of three outcomes the HTTP controller switches on:
//   - StatusExisting    : the local cache held a live handle
//   - StatusRegenerated : the handle was synthesized from mirror presence and
//     needs protocol-level re-initialization
//   - StatusNone        : the id is unknown (or empty, or the mirror failed)
//
// # Failure posture
//
// Only configuration errors fail construction. Every mirror fault — build
// failures, timeouts, connectivity — is logged and swallowed: the registry
// degrades to local-only behavior for that operation. The mirror is advisory,
// never authoritative.
//
// Example:
//
//	reg, err := registry.New(registry.Config{
//		Mode:  registry.ModeMirrored,
//		Redis: registry.RedisConfig{Host: "localhost"},
//	}, registry.WithLogger(logger))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer reg.Close()
//
//	res, _ := reg.Resolve(ctx, req.Header.Get("Mcp-Session-Id"))
//	switch res.Status {
//	case registry.StatusExisting:
//		// dispatch to res.Transport
//	case registry.StatusRegenerated:
//		// re-initialize, then dispatch
//	case registry.StatusNone:
//		// 404: unknown session
//	}
package registry
