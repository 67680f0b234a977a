package wisp

import (
	"context"
	"log/slog"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/rickgao/doge-gateway/internal/config"
	"github.com/rickgao/doge-gateway/internal/metrics"
	"github.com/rickgao/doge-gateway/internal/netguard"
)

// DialFunc opens the outbound connection behind a stream.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Server accepts wisp sessions. It implements router.UpgradeHandler.
type Server struct {
	cfg      config.WispConfig
	logger   *slog.Logger
	dial     DialFunc
	upgrader websocket.Upgrader
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDialer replaces the outbound dialer. The private address filter is
// then the dialer's job.
func WithDialer(dial DialFunc) Option {
	return func(s *Server) {
		s.dial = dial
	}
}

// NewServer creates a wisp server.
func NewServer(cfg config.WispConfig, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg,
		logger: slog.Default(),
		dial:   netguard.Dialer(cfg.DialTimeout, cfg.AllowPrivate).DialContext,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
			Subprotocols:    []string{"wisp-v1"},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Suffix is the path suffix wisp clients connect to.
func (s *Server) Suffix() string {
	return s.cfg.Suffix
}

// ServeUpgrade upgrades the request and runs the session until the socket
// closes.
func (s *Server) ServeUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("wisp upgrade failed", "path", r.URL.Path, "error", err)
		return
	}
	metrics.WispSessions.Inc()

	sess := newSession(s, conn)
	s.logger.Debug("wisp session started", "session", sess.id, "remote", r.RemoteAddr)
	sess.run(context.WithoutCancel(r.Context()))
	s.logger.Debug("wisp session ended", "session", sess.id)
}
