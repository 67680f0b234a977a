// Package counter implements the persisted visit counter.
//
// A Counter is created once at startup and shared by the site handlers.
// Every Increment is written through to its Store before it returns, so the
// on-disk (or in-database) value never lags the value handed to clients by
// more than a failed write.
package counter
