package bare

import (
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/doge-gateway/internal/config"
	"github.com/rickgao/doge-gateway/internal/metrics"
	"github.com/rickgao/doge-gateway/internal/netguard"
	"github.com/rickgao/doge-gateway/internal/router"
	"github.com/rickgao/doge-gateway/internal/version"
)

// Server is the Bare v3 backend. It implements router.Backend.
type Server struct {
	router.PrefixClaim

	cfg      config.BareConfig
	logger   *slog.Logger
	client   *http.Client
	dialer   *websocket.Dialer
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

// New creates a Bare backend mounted at cfg.Prefix.
func New(cfg config.BareConfig, opts ...Option) *Server {
	netDialer := netguard.Dialer(cfg.DialTimeout, cfg.AllowPrivate)

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           netDialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		DisableCompression:    true,
	}

	s := &Server{
		PrefixClaim: router.PrefixClaim{BackendName: "bare", PathPrefix: cfg.Prefix},
		cfg:         cfg,
		logger:      slog.Default(),
		client: &http.Client{
			Transport: transport,
			// Redirects are the client's business.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			NetDialContext:   netDialer.DialContext,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// service returns the path below the prefix, with a leading slash.
func (s *Server) service(r *http.Request) string {
	return "/" + strings.TrimPrefix(r.URL.Path, s.PathPrefix)
}

// ServeHTTP handles manifest, preflight and relay requests.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	addCORS(w.Header())

	switch service := s.service(r); {
	case r.Method == http.MethodOptions:
		w.WriteHeader(http.StatusOK)
	case service == "/":
		writeJSON(w, http.StatusOK, s.manifest())
	case service == "/v3/":
		if err := s.relay(w, r); err != nil {
			s.logger.Debug("bare relay failed", "code", err.Code, "id", err.ID, "message", err.Message)
			writeError(w, err)
		}
	default:
		writeError(w, errNotFound)
	}
}

// Manifest describes this server to Bare clients.
type Manifest struct {
	Maintainer  *Maintainer `json:"maintainer,omitempty"`
	Project     Project     `json:"project"`
	Versions    []string    `json:"versions"`
	Language    string      `json:"language"`
	MemoryUsage float64     `json:"memoryUsage,omitempty"`
}

// Maintainer is the optional operator contact.
type Maintainer struct {
	Email   string `json:"email,omitempty"`
	Website string `json:"website,omitempty"`
}

// Project names the implementation.
type Project struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

func (s *Server) manifest() Manifest {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	m := Manifest{
		Project:     Project{Name: version.Name, Version: version.Version},
		Versions:    []string{"v3"},
		Language:    "Go",
		MemoryUsage: float64(mem.HeapAlloc) / 1024 / 1024,
	}
	if s.cfg.Maintainer.Email != "" || s.cfg.Maintainer.Website != "" {
		m.Maintainer = &Maintainer{Email: s.cfg.Maintainer.Email, Website: s.cfg.Maintainer.Website}
	}
	return m
}

// relay performs the remote request described by r and streams the result.
func (s *Server) relay(w http.ResponseWriter, r *http.Request) *Error {
	req, berr := parseRequest(r)
	if berr != nil {
		return berr
	}
	if err := netguard.CheckHost(req.remote.Hostname()); err != nil && !s.cfg.AllowPrivate {
		return outgoingError(err)
	}

	forward(req.forwardHeaders, r.Header, req.sendHeaders)

	var body io.Reader
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, req.remote.String(), body)
	if err != nil {
		return invalidHeader("x-bare-url", "Invalid URL.")
	}
	out.Header = req.sendHeaders
	if host := req.sendHeaders.Get("Host"); host != "" {
		out.Host = host
	}

	resp, err := s.client.Do(out)
	if err != nil {
		return outgoingError(err)
	}
	defer resp.Body.Close()

	h := w.Header()
	for _, name := range req.passHeaders {
		if v := resp.Header.Get(name); v != "" {
			h.Set(name, v)
		}
	}

	status := http.StatusOK
	if slices.Contains(req.passStatus, resp.StatusCode) {
		status = resp.StatusCode
	}

	if status != http.StatusNotModified {
		encoded, err := encodeRemoteHeaders(resp.Header)
		if err != nil {
			return newError(http.StatusInternalServerError, "UNKNOWN", "response.headers", err.Error())
		}
		h.Set("X-Bare-Status", strconv.Itoa(resp.StatusCode))
		h.Set("X-Bare-Status-Text", statusText(resp))
		h.Set("X-Bare-Headers", encoded)
		splitHeaders(h)
	}

	metrics.BareRequests.WithLabelValues("ok").Inc()
	w.WriteHeader(status)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug("bare relay body copy interrupted", "remote", req.remote.Host, "error", err)
	}
	return nil
}

// statusText strips the numeric code from resp.Status.
func statusText(resp *http.Response) string {
	return strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)+" ")
}

func addCORS(h http.Header) {
	h.Set("X-Robots-Tag", "noindex")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "*")
	h.Set("Access-Control-Expose-Headers", "*")
	h.Set("Access-Control-Max-Age", "7200")
}
