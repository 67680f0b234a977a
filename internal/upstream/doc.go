// Package upstream fetches small remote resources on behalf of the site,
// with a per-attempt timeout and a bounded, jittered retry policy.
package upstream
