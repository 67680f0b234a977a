package router

import (
	"errors"
	"fmt"
	"strings"
)

// Registry validation errors. An empty registry is valid and sends every
// request to the fallback.
var (
	ErrNoName   = errors.New("backend has no name")
	ErrNoPrefix = errors.New("backend has no prefix")
)

// OverlapError reports two backends whose prefixes claim the same paths.
type OverlapError struct {
	First, Second       string
	FirstPfx, SecondPfx string
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("backend %q (%s) overlaps backend %q (%s)", e.Second, e.SecondPfx, e.First, e.FirstPfx)
}

// Registry is the ordered backend list. Registration order is match
// priority. Register everything before the dispatcher starts serving.
type Registry struct {
	backends []Backend
}

// NewRegistry returns a registry holding backends in the given order.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register appends b. There is no de-duplication; Validate catches clashes.
func (r *Registry) Register(b Backend) {
	r.backends = append(r.backends, b)
}

// All returns the backends in registration order.
func (r *Registry) All() []Backend {
	out := make([]Backend, len(r.backends))
	copy(out, r.backends)
	return out
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	return len(r.backends)
}

// Validate rejects unnamed backends, empty prefixes and overlapping
// prefixes. Two prefixes overlap when one is a prefix of the other, since
// first-match would then silently starve the later backend.
func (r *Registry) Validate() error {
	for i, b := range r.backends {
		if b.Name() == "" {
			return fmt.Errorf("backend #%d: %w", i, ErrNoName)
		}
		if b.Prefix() == "" {
			return fmt.Errorf("backend %q: %w", b.Name(), ErrNoPrefix)
		}
		for _, earlier := range r.backends[:i] {
			if strings.HasPrefix(b.Prefix(), earlier.Prefix()) || strings.HasPrefix(earlier.Prefix(), b.Prefix()) {
				return &OverlapError{
					First:     earlier.Name(),
					FirstPfx:  earlier.Prefix(),
					Second:    b.Name(),
					SecondPfx: b.Prefix(),
				}
			}
		}
	}
	return nil
}
