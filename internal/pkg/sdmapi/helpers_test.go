package sdmapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jake-scott/nest-sdm/internal/pkg/sdmauth"
)

const testProject = "project-1"

type tokenStore struct {
	mu  sync.Mutex
	tok *sdmauth.Token
}

func (s *tokenStore) Load() (*sdmauth.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *s.tok
	return &t, nil
}

func (s *tokenStore) Save(t *sdmauth.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *t
	s.tok = &c
	return nil
}

type request struct {
	Method string
	Path   string
	Auth   string
	Body   string
}

// fakeAPI is an SDM endpoint plus the token endpoint the session refreshes
// against
type fakeAPI struct {
	srv       *httptest.Server
	refreshes int32

	mu       sync.Mutex
	routes   map[string]http.HandlerFunc
	requests []request
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{routes: map[string]http.HandlerFunc{}}

	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/token" {
			n := atomic.AddInt32(&f.refreshes, 1)
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"access_token":"fresh-%d","refresh_token":"refresh","token_type":"Bearer","expires_in":3600}`, n)
			return
		}

		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.requests = append(f.requests, request{
			Method: r.Method,
			Path:   r.URL.Path,
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		h, ok := f.routes[r.Method+" "+r.URL.Path]
		f.mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":{"code":404,"message":"Requested entity was not found.","status":"NOT_FOUND"}}`)
			return
		}
		h(w, r)
	}))
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeAPI) handle(method, path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[method+" /v1/"+path] = h
}

func (f *fakeAPI) reply(method, path string, status int, body string) {
	f.handle(method, path, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	})
}

func (f *fakeAPI) replyJSON(method, path string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	f.reply(method, path, http.StatusOK, string(data))
}

func (f *fakeAPI) calls() []request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]request(nil), f.requests...)
}

func (f *fakeAPI) client(t *testing.T) *Client {
	store := &tokenStore{tok: &sdmauth.Token{
		AccessToken:  "initial",
		RefreshToken: "refresh",
		Expiry:       time.Now().Add(time.Hour),
	}}

	s, err := sdmauth.NewSession(sdmauth.Config{
		ProjectID: testProject,
		ClientID:  "client-id",
		TokenURL:  f.srv.URL + "/token",
	}, store)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}
	s.WithHTTPClient(f.srv.Client())

	return NewClient(testProject, s).WithBaseURL(f.srv.URL + "/v1")
}

// sameJSON compares values by their normalised JSON encoding
func sameJSON(t *testing.T, got, want interface{}) {
	t.Helper()

	if g, w := normalJSON(t, got), normalJSON(t, want); g != w {
		t.Errorf("expected %s, got %s", w, g)
	}
}

func normalJSON(t *testing.T, v interface{}) string {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshaling %v: %v", v, err)
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		t.Fatalf("unmarshaling %s: %v", data, err)
	}

	data, err = json.Marshal(generic)
	if err != nil {
		t.Fatalf("marshaling %v: %v", generic, err)
	}
	return string(data)
}

func mustParse(t *testing.T, s string) Document {
	t.Helper()

	var d Document
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		t.Fatalf("parsing %s: %v", s, err)
	}
	return d
}
