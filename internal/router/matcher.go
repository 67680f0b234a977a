package router

import (
	"net/http"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Kind says which handler a Decision picked.
type Kind string

const (
	KindBackend  Kind = "backend"
	KindTunnel   Kind = "tunnel"
	KindFallback Kind = "fallback"
	KindDrop     Kind = "drop"
)

// Decision is the routing outcome for one inbound event. It lives for the
// duration of that event only.
type Decision struct {
	Kind    Kind
	Backend Backend // set when Kind is KindBackend
	Upgrade bool
}

// Name is the backend name, or the kind for non-backend decisions.
func (d Decision) Name() string {
	if d.Backend != nil {
		return d.Backend.Name()
	}
	return string(d.Kind)
}

// Matcher picks at most one backend per request. It only reads the registry,
// so concurrent calls are safe once registration is finished.
type Matcher struct {
	registry     *Registry
	tunnelSuffix string
}

// NewMatcher creates a matcher. An empty tunnelSuffix disables the tunnel check.
func NewMatcher(registry *Registry, tunnelSuffix string) *Matcher {
	return &Matcher{
		registry:     registry,
		tunnelSuffix: tunnelSuffix,
	}
}

// MatchRequest returns the first backend claiming the plain request.
func (m *Matcher) MatchRequest(r *http.Request) (Backend, bool) {
	for _, b := range m.registry.backends {
		if b.ClaimsRequest(r) {
			return b, true
		}
	}
	return nil, false
}

// MatchUpgrade returns the first backend claiming the upgrade request.
func (m *Matcher) MatchUpgrade(r *http.Request) (Backend, bool) {
	for _, b := range m.registry.backends {
		if b.ClaimsUpgrade(r) {
			return b, true
		}
	}
	return nil, false
}

// IsTunnelPath reports whether the request path ends in the tunnel suffix.
func (m *Matcher) IsTunnelPath(r *http.Request) bool {
	return m.tunnelSuffix != "" && strings.HasSuffix(r.URL.Path, m.tunnelSuffix)
}

// Decide computes the full routing decision. The tunnel check only runs
// after every backend declined an upgrade.
func (m *Matcher) Decide(r *http.Request) Decision {
	if !IsUpgrade(r) {
		if b, ok := m.MatchRequest(r); ok {
			return Decision{Kind: KindBackend, Backend: b}
		}
		return Decision{Kind: KindFallback}
	}

	if b, ok := m.MatchUpgrade(r); ok {
		return Decision{Kind: KindBackend, Backend: b, Upgrade: true}
	}
	if m.IsTunnelPath(r) {
		return Decision{Kind: KindTunnel, Upgrade: true}
	}
	return Decision{Kind: KindDrop, Upgrade: true}
}

// IsUpgrade reports whether r asks to switch protocols: a Connection header
// carrying the upgrade token plus a non-empty Upgrade header.
func IsUpgrade(r *http.Request) bool {
	return httpguts.HeaderValuesContainsToken(r.Header["Connection"], "upgrade") &&
		r.Header.Get("Upgrade") != ""
}
