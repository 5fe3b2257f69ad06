package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ignea/consulta/internal/config"
	"github.com/ignea/consulta/internal/lookup"
	"github.com/ignea/consulta/internal/store"
)

type fakeUpstream struct {
	srv          *httptest.Server
	creditCalls  atomic.Int32
	failCredits  atomic.Bool
	officeStatus atomic.Int32
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/credit":
			f.creditCalls.Add(1)
			if f.failCredits.Load() {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			_, _ = io.WriteString(w, `{"transient":5,"perpetual":10}`)
		case strings.HasPrefix(r.URL.Path, "/office/"):
			if code := f.officeStatus.Load(); code != 0 {
				http.Error(w, "upstream says no", int(code))
				return
			}
			id := strings.TrimPrefix(r.URL.Path, "/office/")
			_, _ = io.WriteString(w, `{"taxId":"`+id+`","company":{"name":"EMPRESA `+id+`"},"emails":[{"address":"contato@`+id+`.com"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

type testEnv struct {
	t        *testing.T
	server   *Server
	store    *store.Store
	upstream *fakeUpstream
	http     *httptest.Server
	client   *http.Client
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "consulta.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return newTestEnvWithStore(t, db)
}

func newTestEnvWithStore(t *testing.T, db *store.Store) *testEnv {
	t.Helper()
	up := newFakeUpstream(t)
	s := New(Options{
		Config: config.Server{
			HistoryLimit:     30,
			DetailsScanLimit: 200,
			Credits:          config.Credits{Refresh: "@every 24h", TTL: time.Hour},
		},
		RetryCount: 1,
		Store:      db,
		Upstream: lookup.New(config.Upstream{
			BaseURL:    up.srv.URL,
			APIKey:     "test-key",
			RetryCount: 1,
		}, up.srv.Client()),
		Location: time.UTC,
	})

	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("cookie jar: %v", err)
	}
	client := ts.Client()
	client.Jar = jar

	env := &testEnv{t: t, server: s, store: db, upstream: up, http: ts, client: client}
	// Prime the session and CSRF cookies.
	if resp := env.get("/status-retry/"); resp.StatusCode != http.StatusOK {
		t.Fatalf("prime session: got status %d", resp.StatusCode)
	}
	return env
}

// withFreshSession returns an env sharing the server but with its own
// cookies.
func (e *testEnv) withFreshSession() *testEnv {
	e.t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		e.t.Fatalf("cookie jar: %v", err)
	}
	other := *e
	other.client = &http.Client{Transport: e.client.Transport, Jar: jar}
	if resp := other.get("/status-retry/"); resp.StatusCode != http.StatusOK {
		e.t.Fatalf("prime session: got status %d", resp.StatusCode)
	}
	return &other
}

func (e *testEnv) csrfToken() string {
	u, _ := url.Parse(e.http.URL)
	for _, c := range e.client.Jar.Cookies(u) {
		if c.Name == csrfCookie {
			return c.Value
		}
	}
	return ""
}

type testResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (r testResponse) decode(t *testing.T, v any) {
	t.Helper()
	if err := json.Unmarshal(r.Body, v); err != nil {
		t.Fatalf("decode %s: %v", r.Body, err)
	}
}

func (r testResponse) detail(t *testing.T) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	r.decode(t, &body)
	return body.Detail
}

func (e *testEnv) do(method, path, contentType string, body io.Reader, csrf bool) testResponse {
	e.t.Helper()
	req, err := http.NewRequest(method, e.http.URL+path, body)
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if csrf {
		req.Header.Set(csrfHeader, e.csrfToken())
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		e.t.Fatalf("read body: %v", err)
	}
	return testResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: b}
}

func (e *testEnv) get(path string) testResponse {
	return e.do(http.MethodGet, path, "", nil, false)
}

func (e *testEnv) post(path string) testResponse {
	return e.do(http.MethodPost, path, "", nil, true)
}

func (e *testEnv) postJSON(path, body string) testResponse {
	return e.do(http.MethodPost, path, "application/json", strings.NewReader(body), true)
}

func (e *testEnv) postFile(path, filename, content string) testResponse {
	e.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("csv_file", filename)
	if err != nil {
		e.t.Fatalf("create form file: %v", err)
	}
	_, _ = io.WriteString(fw, content)
	if err := mw.Close(); err != nil {
		e.t.Fatalf("close multipart: %v", err)
	}
	return e.do(http.MethodPost, path, mw.FormDataContentType(), &buf, true)
}
