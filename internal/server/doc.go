// Package server hosts the cache server: the CacheRegistry that maps each
// opened file path to its store.Store, the per-connection session that speaks
// the tab-separated line protocol, the TCP accept loop with its terminate and
// graceful-drain handling, and a small Fiber admin app for diagnostics.
// The registry is built once at startup and passed to the Server explicitly;
// sessions take the registry lock only to resolve a store and then work under
// that store's own lock, so unrelated cache files never contend.
package server
