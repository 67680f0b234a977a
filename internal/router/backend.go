package router

import (
	"net/http"
	"strings"
)

// UpgradeHandler takes over a connection-upgrade request. Implementations
// own the connection from here on: they upgrade or hijack it themselves.
type UpgradeHandler interface {
	ServeUpgrade(w http.ResponseWriter, r *http.Request)
}

// Backend is a proxy service that owns a URL prefix.
type Backend interface {
	http.Handler
	UpgradeHandler

	// Name identifies the backend in logs and metrics.
	Name() string

	// Prefix is the URL path prefix the backend owns. Prefixes of registered
	// backends must not overlap.
	Prefix() string

	// ClaimsRequest reports whether a plain request belongs to this backend.
	ClaimsRequest(r *http.Request) bool

	// ClaimsUpgrade reports whether an upgrade request belongs to this backend.
	ClaimsUpgrade(r *http.Request) bool
}

// PrefixClaim implements the claim half of Backend by path prefix.
// Embed it and add ServeHTTP/ServeUpgrade.
type PrefixClaim struct {
	BackendName string
	PathPrefix  string
}

func (p PrefixClaim) Name() string   { return p.BackendName }
func (p PrefixClaim) Prefix() string { return p.PathPrefix }

func (p PrefixClaim) ClaimsRequest(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, p.PathPrefix)
}

func (p PrefixClaim) ClaimsUpgrade(r *http.Request) bool {
	return strings.HasPrefix(r.URL.Path, p.PathPrefix)
}
