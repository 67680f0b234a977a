package site

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"github.com/rickgao/doge-gateway/internal/config"
	"github.com/rickgao/doge-gateway/internal/counter"
	"github.com/rickgao/doge-gateway/internal/upstream"
)

// ScriptFetcher fetches the remote worker script.
type ScriptFetcher interface {
	Fetch(ctx context.Context, url string) (*upstream.Resource, error)
}

// workerScriptError is the fixed body sent when the worker script cannot be fetched.
const workerScriptError = "Error fetching worker script"

// Server serves everything the proxy backends do not claim.
type Server struct {
	cfg     config.SiteConfig
	visits  *counter.Counter
	scripts ScriptFetcher
	logger  *slog.Logger

	mux *http.ServeMux
}

// New builds the route table. The table is fixed once New returns.
func New(cfg config.SiteConfig, visits *counter.Counter, scripts ScriptFetcher, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if visits == nil {
		return nil, errors.New("site: visit counter is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("site: %w", err)
	}

	info, err := os.Stat(cfg.StaticDir)
	if err != nil {
		return nil, fmt.Errorf("stat static dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("static dir %s is not a directory", cfg.StaticDir)
	}

	s := &Server{
		cfg:     cfg,
		visits:  visits,
		scripts: scripts,
		logger:  logger,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleHome)
	s.mux.HandleFunc("GET /api/visits", s.handleVisits)
	s.mux.HandleFunc("GET /worker.js", s.handleWorkerScript)

	for _, rt := range s.cfg.Routes {
		file := filepath.Join(s.cfg.StaticDir, rt.File)
		s.mux.HandleFunc("GET "+rt.Path, func(w http.ResponseWriter, r *http.Request) {
			s.serveFile(w, r, file)
		})
	}

	for _, rd := range s.cfg.Redirects {
		to := rd.To
		s.mux.HandleFunc("GET "+rd.From, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, to, http.StatusFound)
		})
	}

	for _, m := range s.cfg.Mounts {
		root := http.Dir(m.Dir)
		prefix := m.Prefix
		s.mux.HandleFunc("GET "+prefix, func(w http.ResponseWriter, r *http.Request) {
			s.serveFromDir(w, r, root, r.URL.Path[len(prefix)-1:])
		})
	}

	// Everything else: a file from the static dir, or the 404 page.
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			s.notFound(w, r)
			return
		}
		s.serveFromDir(w, r, http.Dir(s.cfg.StaticDir), r.URL.Path)
	})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// handleHome counts the visit, then serves the index page. The count is
// persisted before the page goes out; a failed write is logged only.
func (s *Server) handleHome(w http.ResponseWriter, r *http.Request) {
	n, err := s.visits.Increment(context.WithoutCancel(r.Context()))
	if err != nil {
		s.logger.Error("failed to persist visit counter", "count", n, "error", err)
	}
	s.serveFile(w, r, filepath.Join(s.cfg.StaticDir, s.cfg.IndexFile))
}

type visitsResponse struct {
	Count int64 `json:"count"`
}

func (s *Server) handleVisits(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	json.NewEncoder(w).Encode(visitsResponse{Count: s.visits.Current()})
}

// handleWorkerScript relays the remote worker script. The upstream body is
// fully buffered before anything is written, so a failed fetch never leaks
// a partial script.
func (s *Server) handleWorkerScript(w http.ResponseWriter, r *http.Request) {
	if s.scripts == nil {
		s.workerScriptFailed(w, errors.New("no script fetcher configured"))
		return
	}

	res, err := s.scripts.Fetch(r.Context(), s.cfg.WorkerScriptURL)
	if err != nil {
		s.workerScriptFailed(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/javascript")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(res.Body); err != nil {
		s.logger.Debug("client went away during worker script", "error", err)
	}
}

func (s *Server) workerScriptFailed(w http.ResponseWriter, err error) {
	s.logger.Warn("worker script fetch failed", "url", s.cfg.WorkerScriptURL, "error", err)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	w.Write([]byte(workerScriptError))
}

// serveFile streams a file by absolute or working-dir relative path.
func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, name string) {
	f, err := os.Open(name)
	if err != nil {
		s.logger.Error("static file missing", "file", name, "error", err)
		s.notFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.notFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// serveFromDir serves urlPath from root. Directories are never listed.
func (s *Server) serveFromDir(w http.ResponseWriter, r *http.Request, root http.FileSystem, urlPath string) {
	f, err := root.Open(path.Clean("/" + urlPath))
	if err != nil {
		s.notFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		s.notFound(w, r)
		return
	}
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

// notFound sends the fixed 404 page.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	page, err := os.ReadFile(filepath.Join(s.cfg.StaticDir, s.cfg.NotFoundFile))
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("could not read 404 page", "error", err)
		}
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write(page)
}
