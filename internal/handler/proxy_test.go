package handler

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"mcps-gateway/internal/client"
	"mcps-gateway/internal/config"
	"mcps-gateway/internal/metrics"
	"mcps-gateway/internal/routing"
	"mcps-gateway/internal/service"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGateway(t *testing.T, upstreams map[string]string, strip ...string) *echo.Echo {
	t.Helper()

	cfg := &config.Config{
		Upstreams: upstreams,
		Client: config.ClientConfig{
			MaxConnections:        10,
			MaxIdleConnections:    10,
			ConnectTimeoutSeconds: 2,
			PoolTimeoutSeconds:    2,
			WriteTimeoutSeconds:   30,
		},
	}
	logger := discardLogger()

	table, err := routing.NewTable(upstreams, strip)
	if err != nil {
		t.Fatalf("NewTable() error = %v", err)
	}
	m := metrics.New(table.Names()...)
	c := client.NewUpstreamClient(cfg, logger, m)
	t.Cleanup(c.Close)

	svc := service.NewProxyService(c, table, cfg, logger, m)

	e := echo.New()
	RegisterRoutes(e, NewProxyHandler(table, svc, logger), NewHealthHandler(table, svc, logger))
	return e
}

func decodeDetail(t *testing.T, body []byte) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("unmarshal %q: %v", body, err)
	}
	return payload["detail"]
}

func TestProxyHandler_ForwardsRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/svc/tools/call" {
			t.Errorf("path = %q, want %q", r.URL.Path, "/svc/tools/call")
		}
		if r.URL.RawQuery != "a=1&b=two" {
			t.Errorf("query = %q, want %q", r.URL.RawQuery, "a=1&b=two")
		}
		if got := r.Header.Get("X-Forwarded-For"); got != "192.0.2.1" {
			t.Errorf("X-Forwarded-For = %q, want %q", got, "192.0.2.1")
		}
		if got := r.Header.Get("X-Forwarded-Host"); got != "gateway.test" {
			t.Errorf("X-Forwarded-Host = %q, want %q", got, "gateway.test")
		}
		if got := r.Header.Get("X-Forwarded-Proto"); got != "http" {
			t.Errorf("X-Forwarded-Proto = %q, want %q", got, "http")
		}
		if got := r.Header.Get("X-Keep"); got != "1" {
			t.Errorf("X-Keep = %q, want %q", got, "1")
		}
		for _, name := range []string{"Proxy-Authorization", "X-Secret", "Keep-Alive"} {
			if got := r.Header.Get(name); got != "" {
				t.Errorf("%s = %q, want it stripped", name, got)
			}
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"jsonrpc":"2.0"}` {
			t.Errorf("body = %q", body)
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Proxy-Authenticate", "Basic")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"result":"ok"}`))
	}))
	defer upstream.Close()

	e := newTestGateway(t, map[string]string{"svc": upstream.URL})

	req := httptest.NewRequest(http.MethodPost, "/svc/tools/call?a=1&b=two", strings.NewReader(`{"jsonrpc":"2.0"}`))
	req.Host = "gateway.test"
	req.RemoteAddr = "192.0.2.1:5555"
	req.Header.Set("Connection", "X-Secret")
	req.Header.Set("X-Secret", "hidden")
	req.Header.Set("Keep-Alive", "timeout=1")
	req.Header.Set("Proxy-Authorization", "Basic Zm9v")
	req.Header.Set("X-Keep", "1")
	rec := httptest.NewRecorder()

	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusCreated)
	}
	if rec.Body.String() != `{"result":"ok"}` {
		t.Errorf("body = %q, want %q", rec.Body.String(), `{"result":"ok"}`)
	}
	if got := rec.Header().Get("X-Upstream"); got != "yes" {
		t.Errorf("X-Upstream = %q, want %q", got, "yes")
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	for _, name := range []string{"Proxy-Authenticate", "Keep-Alive"} {
		if got := rec.Header().Get(name); got != "" {
			t.Errorf("response %s = %q, want it stripped", name, got)
		}
	}
}

func TestProxyHandler_StripPrefix(t *testing.T) {
	var gotPath atomic.Value
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.EscapedPath())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	e := newTestGateway(t, map[string]string{"svc": upstream.URL, "plain": upstream.URL}, "svc")

	tests := []struct {
		path string
		want string
	}{
		{"/svc/a/b", "/a/b"},
		{"/svc", "/"},
		{"/svc/", "/"},
		{"/plain/a/b", "/plain/a/b"},
		{"/plain", "/plain"},
		{"/plain/files/a%2Fb", "/plain/files/a%2Fb"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != http.StatusNoContent {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
			}
			if got := gotPath.Load(); got != tt.want {
				t.Errorf("upstream path = %v, want %q", got, tt.want)
			}
		})
	}
}

func TestProxyHandler_UnknownService(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e := newTestGateway(t, map[string]string{"svc": upstream.URL})

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(method, "/nope/anything", http.NoBody))

			if rec.Code != http.StatusNotFound {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
			}
			if got := decodeDetail(t, rec.Body.Bytes()); got != "Unknown service: nope" {
				t.Errorf("detail = %q, want %q", got, "Unknown service: nope")
			}
		})
	}

	if n := hits.Load(); n != 0 {
		t.Errorf("upstream hits = %d, want 0", n)
	}
}

func TestProxyHandler_UnreachableUpstream(t *testing.T) {
	e := newTestGateway(t, map[string]string{"svc": "http://127.0.0.1:1"})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/svc/tools", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
	if got := decodeDetail(t, rec.Body.Bytes()); !strings.HasPrefix(got, "Upstream 'svc' is unavailable: ") {
		t.Errorf("detail = %q, want unavailable prefix", got)
	}
}

func TestProxyHandler_RelaysUpstreamStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/svc/missing":
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte("no such tool"))
		case "/svc/moved":
			w.Header().Set("Location", "/elsewhere")
			w.WriteHeader(http.StatusFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer upstream.Close()

	e := newTestGateway(t, map[string]string{"svc": upstream.URL})

	tests := []struct {
		path       string
		wantStatus int
		wantHeader string
		wantValue  string
	}{
		{"/svc/missing", http.StatusNotFound, "Content-Type", "text/plain"},
		{"/svc/moved", http.StatusFound, "Location", "/elsewhere"},
		{"/svc/broken", http.StatusInternalServerError, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantHeader != "" {
				if got := rec.Header().Get(tt.wantHeader); got != tt.wantValue {
					t.Errorf("%s = %q, want %q", tt.wantHeader, got, tt.wantValue)
				}
			}
		})
	}
}

func TestProxyHandler_NoContentTypeSniffing(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("<html>not really</html>"))
	}))
	defer upstream.Close()

	gw := httptest.NewServer(newTestGateway(t, map[string]string{"svc": upstream.URL}))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/svc/page")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if got := resp.Header.Get("Content-Type"); got != "" {
		t.Errorf("Content-Type = %q, want empty", got)
	}
}

func TestProxyHandler_StreamsLargeBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = http.NewResponseController(w).EnableFullDuplex()
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.Copy(w, r.Body)
	}))
	defer upstream.Close()

	gw := httptest.NewServer(newTestGateway(t, map[string]string{"svc": upstream.URL}))
	defer gw.Close()

	payload := make([]byte, 8<<20)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand: %v", err)
	}

	resp, err := http.Post(gw.URL+"/svc/echo", "application/octet-stream", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echoed %d bytes, want %d identical bytes", len(got), len(payload))
	}
}

func TestProxyHandler_FlushesChunks(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: first\n\n"))
		_ = http.NewResponseController(w).Flush()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
		_, _ = w.Write([]byte("data: second\n\n"))
	}))
	defer upstream.Close()

	gw := httptest.NewServer(newTestGateway(t, map[string]string{"svc": upstream.URL}))
	defer gw.Close()

	resp, err := http.Get(gw.URL + "/svc/sse")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	lines := make(chan string, 1)
	go func() {
		line, _ := bufio.NewReader(resp.Body).ReadString('\n')
		lines <- line
	}()

	select {
	case line := <-lines:
		if line != "data: first\n" {
			t.Errorf("first line = %q, want %q", line, "data: first\n")
		}
	case <-time.After(3 * time.Second):
		t.Error("first chunk was not delivered before the upstream finished")
	}
	close(release)
}

func TestProxyHandler_SendsHeadersBeforeBody(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_ = http.NewResponseController(w).Flush()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()
	defer close(release)

	gw := httptest.NewServer(newTestGateway(t, map[string]string{"svc": upstream.URL}))
	defer gw.Close()

	type result struct {
		resp *http.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := http.Get(gw.URL + "/svc/sse")
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("GET: %v", r.err)
		}
		defer func() { _ = r.resp.Body.Close() }()
		if r.resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", r.resp.StatusCode, http.StatusOK)
		}
		if got := r.resp.Header.Get("Content-Type"); got != "text/event-stream" {
			t.Errorf("Content-Type = %q, want %q", got, "text/event-stream")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("status line not delivered while the upstream body was still pending")
	}
}

func TestProxyHandler_CallerCancelPropagates(t *testing.T) {
	started := make(chan struct{})
	canceled := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = http.NewResponseController(w).Flush()
		close(started)
		select {
		case <-r.Context().Done():
			close(canceled)
		case <-time.After(5 * time.Second):
		}
	}))
	defer upstream.Close()

	gw := httptest.NewServer(newTestGateway(t, map[string]string{"svc": upstream.URL}))
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw.URL+"/svc/slow", http.NoBody)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	<-started
	cancel()

	select {
	case <-canceled:
	case <-time.After(3 * time.Second):
		t.Error("upstream request was not canceled after the caller went away")
	}
}

func TestSplitServicePath(t *testing.T) {
	tests := []struct {
		in       string
		wantName string
		wantRest string
	}{
		{"/svc", "svc", ""},
		{"/svc/", "svc", ""},
		{"/svc/a/b", "svc", "a/b"},
		{"/svc/a%2Fb/%2541", "svc", "a%2Fb/%2541"},
		{"/my%20svc/x", "my svc", "x"},
		{"/svc//double", "svc", "/double"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			name, rest := splitServicePath(tt.in)
			if name != tt.wantName || rest != tt.wantRest {
				t.Errorf("splitServicePath(%q) = (%q, %q), want (%q, %q)", tt.in, name, rest, tt.wantName, tt.wantRest)
			}
		})
	}
}
