package bare

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/doge-gateway/internal/config"
)

func testServer(allowPrivate bool) *Server {
	cfg := config.Default().Bare
	cfg.AllowPrivate = allowPrivate
	cfg.Maintainer = config.Maintainer{Email: "ops@example.com"}
	return New(cfg)
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) Error {
	t.Helper()
	var e Error
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return e
}

func TestClaims(t *testing.T) {
	s := testServer(false)

	if s.Name() != "bare" || s.Prefix() != "/seal/" {
		t.Errorf("Name/Prefix = %q/%q", s.Name(), s.Prefix())
	}
	if !s.ClaimsRequest(httptest.NewRequest(http.MethodGet, "/seal/v3/", nil)) {
		t.Error("expected /seal/v3/ to be claimed")
	}
	if s.ClaimsRequest(httptest.NewRequest(http.MethodGet, "/sealed", nil)) {
		t.Error("expected /sealed not to be claimed")
	}
}

func TestManifest(t *testing.T) {
	s := testServer(false)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/seal/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}

	var m Manifest
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("decode manifest: %v", err)
	}
	if len(m.Versions) != 1 || m.Versions[0] != "v3" {
		t.Errorf("Versions = %v, want [v3]", m.Versions)
	}
	if m.Language != "Go" {
		t.Errorf("Language = %q, want Go", m.Language)
	}
	if m.Maintainer == nil || m.Maintainer.Email != "ops@example.com" {
		t.Errorf("Maintainer = %+v", m.Maintainer)
	}
}

func TestPreflightAndUnknownService(t *testing.T) {
	s := testServer(false)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/seal/v3/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("Access-Control-Max-Age") != "7200" {
		t.Errorf("missing CORS max-age header")
	}

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/seal/v1/", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if e := decodeError(t, rec); e.ID != "error.NotFoundError" {
		t.Errorf("error id = %q", e.ID)
	}
}

func TestRelay_BadRequests(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		wantCode int
		wantErr  string
		wantID   string
	}{
		{
			name:     "missing url",
			headers:  map[string]string{"X-Bare-Headers": "{}"},
			wantCode: http.StatusBadRequest,
			wantErr:  "MISSING_BARE_HEADER",
			wantID:   "request.headers.x-bare-url",
		},
		{
			name:     "missing headers",
			headers:  map[string]string{"X-Bare-URL": "http://example.com/"},
			wantCode: http.StatusBadRequest,
			wantErr:  "MISSING_BARE_HEADER",
			wantID:   "request.headers.x-bare-headers",
		},
		{
			name:     "invalid url",
			headers:  map[string]string{"X-Bare-URL": "ftp://example.com/", "X-Bare-Headers": "{}"},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_BARE_HEADER",
			wantID:   "request.headers.x-bare-url",
		},
		{
			name:     "invalid json",
			headers:  map[string]string{"X-Bare-URL": "http://example.com/", "X-Bare-Headers": "{"},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_BARE_HEADER",
			wantID:   "request.headers.x-bare-headers",
		},
		{
			name:     "non-string header value",
			headers:  map[string]string{"X-Bare-URL": "http://example.com/", "X-Bare-Headers": `{"Accept":1}`},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_BARE_HEADER",
			wantID:   "bare.headers.Accept",
		},
		{
			name: "forbidden forward header",
			headers: map[string]string{
				"X-Bare-URL":             "http://example.com/",
				"X-Bare-Headers":         "{}",
				"X-Bare-Forward-Headers": "accept, host",
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "FORBIDDEN_BARE_HEADER",
			wantID:   "request.headers.x-bare-forward-headers",
		},
		{
			name: "bad pass status",
			headers: map[string]string{
				"X-Bare-URL":         "http://example.com/",
				"X-Bare-Headers":     "{}",
				"X-Bare-Pass-Status": "200, teapot",
			},
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_BARE_HEADER",
			wantID:   "request.headers.x-bare-pass-status",
		},
		{
			name:     "private address",
			headers:  map[string]string{"X-Bare-URL": "http://127.0.0.1:1/", "X-Bare-Headers": "{}"},
			wantCode: http.StatusForbidden,
			wantErr:  "FORBIDDEN",
			wantID:   "request.remote",
		},
	}

	s := testServer(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/seal/v3/", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, req)

			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			e := decodeError(t, rec)
			if e.Code != tt.wantErr || e.ID != tt.wantID {
				t.Errorf("error = %s/%s, want %s/%s", e.Code, e.ID, tt.wantErr, tt.wantID)
			}
		})
	}
}

func TestRelay(t *testing.T) {
	var gotHeader, gotForwarded, gotTransferEncoding, gotBody string
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom")
		gotForwarded = r.Header.Get("Accept-Language")
		gotTransferEncoding = r.Header.Get("Transfer-Encoding")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		w.Header().Set("X-Remote", "yes")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.Header().Set("Vary", "Origin")
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	}))
	defer remote.Close()

	s := testServer(true)

	req := httptest.NewRequest(http.MethodPost, "/seal/v3/", strings.NewReader("payload"))
	req.Header.Set("X-Bare-URL", remote.URL+"/things")
	req.Header.Set("X-Bare-Headers", `{"X-Custom":"hello","Transfer-Encoding":"chunked"}`)
	req.Header.Set("Accept-Language", "en-GB")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (pass-status not requested); body %q", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "created" {
		t.Errorf("body = %q, want created", rec.Body.String())
	}
	if gotHeader != "hello" {
		t.Errorf("remote X-Custom = %q, want hello", gotHeader)
	}
	if gotForwarded != "en-GB" {
		t.Errorf("remote Accept-Language = %q, want en-GB", gotForwarded)
	}
	if gotTransferEncoding != "" {
		t.Errorf("forbidden Transfer-Encoding header was sent: %q", gotTransferEncoding)
	}
	if gotBody != "payload" {
		t.Errorf("remote body = %q, want payload", gotBody)
	}

	if got := rec.Header().Get("X-Bare-Status"); got != "201" {
		t.Errorf("X-Bare-Status = %q, want 201", got)
	}
	if got := rec.Header().Get("X-Bare-Status-Text"); got != "Created" {
		t.Errorf("X-Bare-Status-Text = %q, want Created", got)
	}
	if rec.Header().Get("Vary") != "" {
		t.Error("Vary must not be passed through")
	}

	var remoteHeaders map[string]any
	if err := json.Unmarshal([]byte(rec.Header().Get("X-Bare-Headers")), &remoteHeaders); err != nil {
		t.Fatalf("decode X-Bare-Headers: %v", err)
	}
	if remoteHeaders["X-Remote"] != "yes" {
		t.Errorf("X-Bare-Headers X-Remote = %v", remoteHeaders["X-Remote"])
	}
	cookies, ok := remoteHeaders["Set-Cookie"].([]any)
	if !ok || len(cookies) != 2 {
		t.Errorf("X-Bare-Headers Set-Cookie = %v, want two values", remoteHeaders["Set-Cookie"])
	}
}

func TestRelay_PassStatusAndSplitHeaders(t *testing.T) {
	big := strings.Repeat("x", 2*maxHeaderValue)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Big", big)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer remote.Close()

	s := testServer(true)

	req := httptest.NewRequest(http.MethodGet, "/seal/v3/", nil)
	req.Header.Set("X-Bare-URL", remote.URL)
	req.Header.Set("X-Bare-Headers-0", `;{"Accept":`)
	req.Header.Set("X-Bare-Headers-1", `;"*/*"}`)
	req.Header.Set("X-Bare-Pass-Status", "202")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Bare-Headers") != "" {
		t.Error("oversized X-Bare-Headers should have been split")
	}

	joined, berr := joinHeaders(rec.Header())
	if berr != nil {
		t.Fatalf("joinHeaders: %v", berr)
	}
	var remoteHeaders map[string]any
	if err := json.Unmarshal([]byte(joined.Get("X-Bare-Headers")), &remoteHeaders); err != nil {
		t.Fatalf("decode joined headers: %v", err)
	}
	if remoteHeaders["X-Big"] != big {
		t.Error("X-Big did not survive split and join")
	}
}

func TestJoinHeaders_MissingSemicolon(t *testing.T) {
	h := make(http.Header)
	h.Set("X-Bare-Headers-0", "{}")

	_, berr := joinHeaders(h)
	if berr == nil || berr.Code != "INVALID_BARE_HEADER" {
		t.Fatalf("joinHeaders error = %v, want INVALID_BARE_HEADER", berr)
	}
}

func TestRelay_ConnectionRefused(t *testing.T) {
	ln := httptest.NewServer(http.NotFoundHandler())
	addr := ln.URL
	ln.Close()

	s := testServer(true)
	req := httptest.NewRequest(http.MethodGet, "/seal/v3/", nil)
	req.Header.Set("X-Bare-URL", addr)
	req.Header.Set("X-Bare-Headers", "{}")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "CONNECTION_REFUSED" {
		t.Errorf("code = %q, want CONNECTION_REFUSED", e.Code)
	}
}

func TestSocketRelay(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"chat"}}
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := http.Header{}
		h.Add("Set-Cookie", "session=abc")
		conn, err := upgrader.Upgrade(w, r, h)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			conn.WriteMessage(kind, append([]byte("echo:"), data...))
		}
	}))
	defer remote.Close()

	s := testServer(true)
	front := httptest.NewServer(http.HandlerFunc(s.ServeUpgrade))
	defer front.Close()

	wsURL := "ws" + strings.TrimPrefix(front.URL, "http") + "/seal/v3/"
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	client.SetReadDeadline(time.Now().Add(5 * time.Second))

	err = client.WriteJSON(connectPacket{
		Type:      "connect",
		Remote:    "ws" + strings.TrimPrefix(remote.URL, "http"),
		Protocols: []string{"chat"},
		Headers:   map[string]string{"X-Test": "1"},
	})
	if err != nil {
		t.Fatalf("send connect: %v", err)
	}

	var open openPacket
	if err := client.ReadJSON(&open); err != nil {
		t.Fatalf("read open: %v", err)
	}
	if open.Type != "open" || open.Protocol != "chat" {
		t.Errorf("open packet = %+v", open)
	}
	if len(open.SetCookies) != 1 || open.SetCookies[0] != "session=abc" {
		t.Errorf("SetCookies = %v", open.SetCookies)
	}

	if err := client.WriteMessage(websocket.TextMessage, []byte("hi")); err != nil {
		t.Fatal(err)
	}
	kind, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if kind != websocket.TextMessage || string(data) != "echo:hi" {
		t.Errorf("got %d %q, want text echo:hi", kind, data)
	}
}

func TestSocketRelay_BlockedRemote(t *testing.T) {
	s := testServer(false)
	front := httptest.NewServer(http.HandlerFunc(s.ServeUpgrade))
	defer front.Close()

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(front.URL, "http")+"/seal/v3/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	client.SetReadDeadline(time.Now().Add(5 * time.Second))

	client.WriteJSON(connectPacket{Type: "connect", Remote: "ws://127.0.0.1:9/"})

	_, _, err = client.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseInternalServerErr) {
		t.Fatalf("read error = %v, want close 1011", err)
	}
}
