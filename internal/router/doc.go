// Package router implements the Dispatcher, the single http.Handler that
// sits in front of every backend.
//
// Flow:
//   - Registry: ordered, immutable-after-start list of Backends
//   - Matcher: first backend whose claim predicate accepts the request wins
//   - Dispatcher: plain requests fall through to the site, upgrades fall
//     through to the tunnel (path ends in the tunnel suffix) or are dropped
//     without a single byte written
package router
