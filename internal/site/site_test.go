package site

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rickgao/doge-gateway/internal/config"
	"github.com/rickgao/doge-gateway/internal/counter"
	"github.com/rickgao/doge-gateway/internal/upstream"
)

type fakeFetcher struct {
	res  *upstream.Resource
	err  error
	urls []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (*upstream.Resource, error) {
	f.urls = append(f.urls, url)
	return f.res, f.err
}

// testSite builds a static tree, a file-backed counter and a server.
func testSite(t *testing.T, fetcher ScriptFetcher) (*Server, *counter.Counter, config.SiteConfig) {
	t.Helper()

	dir := t.TempDir()
	static := filepath.Join(dir, "static")
	files := map[string]string{
		"index.html":      "<h1>home</h1>",
		"404.html":        "<h1>not found</h1>",
		"loader.html":     "loader",
		"apps.html":       "apps",
		"gms.html":        "gms",
		"agloader.html":   "agloader",
		"info.html":       "info",
		"loading.html":    "loading",
		"css/style.css":   "body{}",
		"uv/uv.bundle.js": "shadowed by the /uv/ mount",
	}
	for name, content := range files {
		writeFile(t, filepath.Join(static, name), content)
	}
	uvDir := filepath.Join(dir, "vendor", "uv")
	writeFile(t, filepath.Join(uvDir, "uv.bundle.js"), "uv bundle")

	cfg := config.Default().Site
	cfg.StaticDir = static
	cfg.Mounts = []config.MountConfig{{Prefix: "/uv/", Dir: uvDir}}

	visits := counter.New(context.Background(), counter.NewFileStore(filepath.Join(dir, "visits.json")), nil)
	s, err := New(cfg, visits, fetcher, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s, visits, cfg
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestNew_RequiresStaticDir(t *testing.T) {
	cfg := config.Default().Site
	cfg.StaticDir = filepath.Join(t.TempDir(), "missing")
	visits := counter.New(context.Background(), counter.NewFileStore(filepath.Join(t.TempDir(), "v.json")), nil)

	if _, err := New(cfg, visits, nil, nil); err == nil {
		t.Fatal("expected error for missing static dir")
	}
	if _, err := New(config.Default().Site, nil, nil, nil); err == nil {
		t.Fatal("expected error for missing counter")
	}
}

func TestNew_RejectsConflictingMounts(t *testing.T) {
	cfg := config.Default().Site
	cfg.StaticDir = t.TempDir()
	cfg.Mounts = []config.MountConfig{{Prefix: "/uv/", Dir: "a"}, {Prefix: "/uv/", Dir: "b"}}
	visits := counter.New(context.Background(), counter.NewFileStore(filepath.Join(t.TempDir(), "v.json")), nil)

	_, err := New(cfg, visits, nil, nil)
	if err == nil {
		t.Fatal("expected error for duplicate mount prefix")
	}
	if !strings.Contains(err.Error(), "site.mounts[1].prefix") {
		t.Errorf("error = %q, want it to name site.mounts[1].prefix", err)
	}
}

func TestStaticRoutes(t *testing.T) {
	s, _, cfg := testSite(t, nil)

	for _, rt := range cfg.Routes {
		t.Run(rt.Path, func(t *testing.T) {
			rec := get(t, s, rt.Path)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			want, _ := os.ReadFile(filepath.Join(cfg.StaticDir, rt.File))
			if rec.Body.String() != string(want) {
				t.Errorf("body = %q, want %q", rec.Body.String(), want)
			}
		})
	}
}

func TestUnregisteredPathsReturn404Page(t *testing.T) {
	s, _, _ := testSite(t, nil)

	for _, p := range []string{"/nope", "/apps/extra", "/css/", "/uv/missing.js", "/api"} {
		t.Run(p, func(t *testing.T) {
			rec := get(t, s, p)
			if rec.Code != http.StatusNotFound {
				t.Fatalf("status = %d, want 404", rec.Code)
			}
			if rec.Body.String() != "<h1>not found</h1>" {
				t.Errorf("body = %q, want the fixed 404 page", rec.Body.String())
			}
		})
	}

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/apps", strings.NewReader("{}")))
	if rec.Code != http.StatusNotFound {
		t.Errorf("POST /apps status = %d, want 404", rec.Code)
	}
}

func TestStaticAssetsAndMounts(t *testing.T) {
	s, _, _ := testSite(t, nil)

	rec := get(t, s, "/css/style.css")
	if rec.Code != http.StatusOK || rec.Body.String() != "body{}" {
		t.Errorf("/css/style.css = %d %q", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/css") {
		t.Errorf("Content-Type = %q, want text/css", ct)
	}

	rec = get(t, s, "/uv/uv.bundle.js")
	if rec.Code != http.StatusOK || rec.Body.String() != "uv bundle" {
		t.Errorf("/uv/uv.bundle.js = %d %q, want mounted bundle", rec.Code, rec.Body.String())
	}
}

func TestHomeCountsVisits(t *testing.T) {
	s, visits, _ := testSite(t, nil)

	const n = 5
	for i := 0; i < n; i++ {
		rec := get(t, s, "/")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if rec.Body.String() != "<h1>home</h1>" {
			t.Fatalf("body = %q", rec.Body.String())
		}
	}

	if visits.Current() != n {
		t.Errorf("Current() = %d, want %d", visits.Current(), n)
	}

	rec := get(t, s, "/api/visits")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body visitsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Count != n {
		t.Errorf("count = %d, want %d", body.Count, n)
	}

	// Reading the API must not count as a visit.
	get(t, s, "/api/visits")
	if visits.Current() != n {
		t.Errorf("Current() after API reads = %d, want %d", visits.Current(), n)
	}
}

func TestHomeConcurrentVisits(t *testing.T) {
	s, visits, _ := testSite(t, nil)
	path := filepath.Join(filepath.Dir(s.cfg.StaticDir), "visits.json")

	const m = 100
	var wg sync.WaitGroup
	for i := 0; i < m; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		}()
	}
	wg.Wait()

	if visits.Current() != m {
		t.Errorf("Current() = %d, want %d", visits.Current(), m)
	}

	// A fresh store on the same file sees every increment.
	persisted, err := counter.NewFileStore(path).Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if persisted != m {
		t.Errorf("persisted count = %d, want %d", persisted, m)
	}
}

func TestRedirect(t *testing.T) {
	s, _, _ := testSite(t, nil)

	rec := get(t, s, "/student")
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/portal" {
		t.Errorf("Location = %q, want /portal", loc)
	}
}

func TestWorkerScript(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fetcher := &fakeFetcher{res: &upstream.Resource{Body: []byte("importScripts('x');"), ContentType: "application/octet-stream"}}
		s, _, cfg := testSite(t, fetcher)

		rec := get(t, s, "/worker.js")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "text/javascript" {
			t.Errorf("Content-Type = %q, want text/javascript", ct)
		}
		if rec.Body.String() != "importScripts('x');" {
			t.Errorf("body = %q", rec.Body.String())
		}
		if len(fetcher.urls) != 1 || fetcher.urls[0] != cfg.WorkerScriptURL {
			t.Errorf("fetched %v, want %s", fetcher.urls, cfg.WorkerScriptURL)
		}
	})

	t.Run("upstream failure", func(t *testing.T) {
		s, _, _ := testSite(t, &fakeFetcher{err: errors.New("dial tcp: connection refused")})

		rec := get(t, s, "/worker.js")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		if rec.Body.String() != workerScriptError {
			t.Errorf("body = %q, want %q", rec.Body.String(), workerScriptError)
		}
	})

	t.Run("upstream non-200 through real client", func(t *testing.T) {
		upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, "secret upstream error page")
		}))
		defer upstreamServer.Close()

		s, _, _ := testSite(t, upstream.NewClient(upstream.WithRetries(0, 0)))
		s.cfg.WorkerScriptURL = upstreamServer.URL + "/worker.js"

		rec := get(t, s, "/worker.js")
		if rec.Code != http.StatusInternalServerError {
			t.Fatalf("status = %d, want 500", rec.Code)
		}
		if strings.Contains(rec.Body.String(), "secret") {
			t.Errorf("upstream body leaked: %q", rec.Body.String())
		}
	})
}
