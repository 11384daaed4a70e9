// Package client talks to the cache server. A Client opens one cache file on
// the server, keeps a local store in front of it, and writes through to the
// server on every Put. Open picks between a remote Client and a LocalCache from
// a "host:port:path" or plain path description.
package client
