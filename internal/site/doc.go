// Package site is the fallback application server: static pages, the
// visit counter, a small JSON API and the worker script passthrough.
// It only sees requests that no proxy backend claimed.
package site
