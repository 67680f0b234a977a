package router

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/rickgao/doge-gateway/internal/metrics"
)

// Dispatcher is the only handler registered with the listener.
type Dispatcher struct {
	matcher  *Matcher
	fallback http.Handler
	tunnel   UpgradeHandler
	logger   *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*dispatcherOptions)

type dispatcherOptions struct {
	tunnelSuffix string
	tunnel       UpgradeHandler
	logger       *slog.Logger
}

// WithTunnel routes otherwise unclaimed upgrades whose path ends in suffix to h.
func WithTunnel(suffix string, h UpgradeHandler) Option {
	return func(o *dispatcherOptions) {
		o.tunnelSuffix = suffix
		o.tunnel = h
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *dispatcherOptions) {
		o.logger = logger
	}
}

// New validates the registry and builds a dispatcher. fallback serves every
// plain request no backend claims.
func New(registry *Registry, fallback http.Handler, opts ...Option) (*Dispatcher, error) {
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("validate backends: %w", err)
	}
	if fallback == nil {
		fallback = http.NotFoundHandler()
	}

	o := dispatcherOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tunnel == nil {
		o.tunnelSuffix = ""
	}

	return &Dispatcher{
		matcher:  NewMatcher(registry, o.tunnelSuffix),
		fallback: fallback,
		tunnel:   o.tunnel,
		logger:   o.logger,
	}, nil
}

// Matcher exposes the dispatcher's matcher.
func (d *Dispatcher) Matcher() *Matcher {
	return d.matcher
}

// ServeHTTP routes one inbound event. It does no I/O of its own beyond the
// delegation, except closing dropped upgrade sockets.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dec := d.matcher.Decide(r)
	metrics.Dispatches.WithLabelValues(dec.Name(), string(dec.Kind)).Inc()

	if !dec.Upgrade {
		if dec.Kind == KindBackend {
			dec.Backend.ServeHTTP(w, r)
			return
		}
		d.fallback.ServeHTTP(w, r)
		return
	}

	connID := uuid.NewString()
	d.logger.Debug("upgrade request",
		"conn_id", connID,
		"path", r.URL.Path,
		"protocol", r.Header.Get("Upgrade"),
		"route", dec.Name(),
		"remote", r.RemoteAddr,
	)

	switch dec.Kind {
	case KindBackend:
		dec.Backend.ServeUpgrade(w, r)
	case KindTunnel:
		d.tunnel.ServeUpgrade(w, r)
	default:
		dropConnection(w)
	}
}

// dropConnection closes the client socket without writing a response.
func dropConnection(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		// net/http closes the connection without a response on this panic.
		panic(http.ErrAbortHandler)
	}
	conn, _, err := hj.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	conn.Close()
}
