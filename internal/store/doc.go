// Package store implements the in-memory entry store behind every cache file.
// A Store is a byte-bounded LRU map from key to value that replays a
// line-oriented log (`key\tvalue` per line) at Init time and writes back to it
// either by appending the records added since the last flush or by atomically
// rewriting the whole file (temp file + rename). Flushes happen synchronously
// inside Put every FlushFrequency calls, under the store's own lock, so a slow
// disk only blocks callers of that one store.
package store
