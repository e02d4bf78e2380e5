package sdmauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

type memStore struct {
	mu    sync.Mutex
	token *Token
	saves int
}

func (m *memStore) Load() (*Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil, nil
	}
	t := *m.token
	return &t, nil
}

func (m *memStore) Save(t *Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *t
	m.token = &c
	m.saves++
	return nil
}

// fakeGoogle serves the token endpoint and a protected resource
type fakeGoogle struct {
	srv        *httptest.Server
	refreshes  int32
	exchanges  int32
	apiCalls   int32
	mu         sync.Mutex
	lastCode   string
	issued     int32
	acceptAPI  func(accessToken string, call int32) bool
	refreshErr bool
}

func newFakeGoogle(t *testing.T) *fakeGoogle {
	f := &fakeGoogle{}
	f.acceptAPI = func(accessToken string, call int32) bool { return true }

	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parsing token form: %v", err)
		}

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			atomic.AddInt32(&f.exchanges, 1)
			f.mu.Lock()
			f.lastCode = r.PostForm.Get("code")
			f.mu.Unlock()
		case "refresh_token":
			atomic.AddInt32(&f.refreshes, 1)
			if f.refreshErr {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"error":"invalid_grant"}`)
				return
			}
		default:
			t.Errorf("unexpected grant type %q", r.PostForm.Get("grant_type"))
		}

		n := atomic.AddInt32(&f.issued, 1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  fmt.Sprintf("access-%d", n),
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/api", func(w http.ResponseWriter, r *http.Request) {
		call := atomic.AddInt32(&f.apiCalls, 1)
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !f.acceptAPI(tok, call) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprintf(w, `{"token":%q}`, tok)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeGoogle) code() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCode
}

func (f *fakeGoogle) session(t *testing.T, store TokenStore) *Session {
	s, err := NewSession(Config{
		ProjectID:    "project-1",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "http://localhost/oauth/callback",
		TokenURL:     f.srv.URL + "/token",
	}, store)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	return s.WithHTTPClient(f.srv.Client())
}

func validToken() *Token {
	return &Token{
		AccessToken:  "access-0",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(time.Hour),
		ClientID:     "client-id",
	}
}

func TestAuthorizationURL(t *testing.T) {
	s, err := NewSession(Config{ProjectID: "project-1", ClientID: "client-id", RedirectURL: "http://localhost/cb"}, nil)
	if err != nil {
		t.Fatalf("creating session: %v", err)
	}

	u, err := url.Parse(s.AuthorizationURL("state-1"))
	if err != nil {
		t.Fatalf("parsing url: %v", err)
	}

	if u.Host != "nestservices.google.com" || u.Path != "/partnerconnections/project-1/auth" {
		t.Errorf("unexpected consent endpoint %s%s", u.Host, u.Path)
	}

	want := map[string]string{
		"access_type":   "offline",
		"prompt":        "consent",
		"scope":         Scope,
		"client_id":     "client-id",
		"redirect_uri":  "http://localhost/cb",
		"response_type": "code",
		"state":         "state-1",
	}
	q := u.Query()
	for k, v := range want {
		if got := q.Get(k); got != v {
			t.Errorf("query %s: expected %q, got %q", k, v, got)
		}
	}
}

func TestExchangeCodePersistsToken(t *testing.T) {
	f := newFakeGoogle(t)
	store := &memStore{}

	var updated *Token
	s := f.session(t, store).WithTokenUpdater(func(tok *Token) { updated = tok })

	tok, err := s.ExchangeCode(context.Background(), "http://localhost/oauth/callback?state=x&code=the-code")
	if err != nil {
		t.Fatalf("exchanging code: %v", err)
	}

	if f.code() != "the-code" {
		t.Errorf("expected code the-code at token endpoint, got %q", f.code())
	}
	if tok.AccessToken != "access-1" || tok.RefreshToken != "refresh-1" {
		t.Errorf("unexpected token %+v", tok)
	}
	if store.saves != 1 || store.token.AccessToken != "access-1" {
		t.Errorf("expected token to be saved once, saves=%d", store.saves)
	}
	if updated == nil || updated.AccessToken != "access-1" {
		t.Errorf("expected token updater to be called")
	}
	if tok.ClientID != "client-id" {
		t.Errorf("expected issuing client id on token, got %q", tok.ClientID)
	}
}

func TestExchangeCodeBareCode(t *testing.T) {
	f := newFakeGoogle(t)
	s := f.session(t, nil)

	if _, err := s.ExchangeCode(context.Background(), "4/0Abc-def"); err != nil {
		t.Fatalf("exchanging code: %v", err)
	}
	if f.code() != "4/0Abc-def" {
		t.Errorf("expected bare code to be sent, got %q", f.code())
	}
}

func TestExchangeCodeDenied(t *testing.T) {
	f := newFakeGoogle(t)
	s := f.session(t, nil)

	if _, err := s.ExchangeCode(context.Background(), "http://localhost/cb?error=access_denied"); err == nil {
		t.Fatalf("expected error for denied consent")
	}
	if atomic.LoadInt32(&f.exchanges) != 0 {
		t.Errorf("expected no exchange, got %d", atomic.LoadInt32(&f.exchanges))
	}
}

func TestRequestRefreshesOnceOnExpiry(t *testing.T) {
	f := newFakeGoogle(t)
	f.acceptAPI = func(tok string, call int32) bool { return tok != "access-0" }

	store := &memStore{token: validToken()}
	s := f.session(t, store)

	resp, err := s.AuthorizedRequest(context.Background(), http.MethodGet, f.srv.URL+"/api", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(resp.Body) != `{"token":"access-1"}` {
		t.Errorf("expected retry with refreshed token, got %s", resp.Body)
	}
	if atomic.LoadInt32(&f.refreshes) != 1 {
		t.Errorf("expected 1 refresh, got %d", atomic.LoadInt32(&f.refreshes))
	}
	if atomic.LoadInt32(&f.apiCalls) != 2 {
		t.Errorf("expected 2 api calls, got %d", atomic.LoadInt32(&f.apiCalls))
	}
	if store.token.AccessToken != "access-1" {
		t.Errorf("expected refreshed token to be persisted, got %s", store.token.AccessToken)
	}
}

func TestRefreshRetryIsBounded(t *testing.T) {
	f := newFakeGoogle(t)
	f.acceptAPI = func(string, int32) bool { return false }

	s := f.session(t, &memStore{token: validToken()})

	_, err := s.AuthorizedRequest(context.Background(), http.MethodGet, f.srv.URL+"/api", nil)

	var af *AuthFailure
	if !errors.As(err, &af) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
	if !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expected AuthFailure to wrap ErrTokenExpired, got %v", err)
	}
	if atomic.LoadInt32(&f.refreshes) != 1 {
		t.Errorf("expected exactly 1 refresh, got %d", atomic.LoadInt32(&f.refreshes))
	}
	if atomic.LoadInt32(&f.apiCalls) != 2 {
		t.Errorf("expected exactly 2 api calls, got %d", atomic.LoadInt32(&f.apiCalls))
	}
}

func TestRefreshFailureIsAuthFailure(t *testing.T) {
	f := newFakeGoogle(t)
	f.refreshErr = true
	f.acceptAPI = func(string, int32) bool { return false }

	s := f.session(t, &memStore{token: validToken()})

	_, err := s.AuthorizedRequest(context.Background(), http.MethodGet, f.srv.URL+"/api", nil)

	var af *AuthFailure
	if !errors.As(err, &af) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
	if atomic.LoadInt32(&f.apiCalls) != 1 {
		t.Errorf("expected no retry after failed refresh, got %d api calls", atomic.LoadInt32(&f.apiCalls))
	}
}

func TestStaleTokenRefreshedBeforeUse(t *testing.T) {
	f := newFakeGoogle(t)

	stale := validToken()
	stale.Expiry = time.Now().Add(30 * time.Second)
	s := f.session(t, &memStore{token: stale})

	resp, err := s.AuthorizedRequest(context.Background(), http.MethodGet, f.srv.URL+"/api", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if string(resp.Body) != `{"token":"access-1"}` {
		t.Errorf("expected stale token never to be sent, got %s", resp.Body)
	}
	if atomic.LoadInt32(&f.refreshes) != 1 || atomic.LoadInt32(&f.apiCalls) != 1 {
		t.Errorf("expected 1 refresh and 1 api call, got %d and %d", atomic.LoadInt32(&f.refreshes), atomic.LoadInt32(&f.apiCalls))
	}
}

func TestStaleTokenStillRejectedIsNotRefreshedTwice(t *testing.T) {
	f := newFakeGoogle(t)
	f.acceptAPI = func(string, int32) bool { return false }

	stale := validToken()
	stale.Expiry = time.Now().Add(-time.Minute)
	s := f.session(t, &memStore{token: stale})

	_, err := s.AuthorizedRequest(context.Background(), http.MethodGet, f.srv.URL+"/api", nil)

	var af *AuthFailure
	if !errors.As(err, &af) {
		t.Fatalf("expected AuthFailure, got %v", err)
	}
	if atomic.LoadInt32(&f.refreshes) != 1 || atomic.LoadInt32(&f.apiCalls) != 1 {
		t.Errorf("expected 1 refresh and 1 api call, got %d and %d", atomic.LoadInt32(&f.refreshes), atomic.LoadInt32(&f.apiCalls))
	}
}

func TestUnauthenticatedSession(t *testing.T) {
	f := newFakeGoogle(t)
	s := f.session(t, &memStore{})

	_, err := s.AuthorizedRequest(context.Background(), http.MethodGet, f.srv.URL+"/api", nil)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if atomic.LoadInt32(&f.apiCalls) != 0 {
		t.Errorf("expected no api call, got %d", atomic.LoadInt32(&f.apiCalls))
	}
}

func TestInspectorCanReportExpiry(t *testing.T) {
	f := newFakeGoogle(t)
	s := f.session(t, &memStore{token: validToken()})

	inspect := func(r *RawResponse) error {
		if strings.Contains(string(r.Body), "access-0") {
			return ErrTokenExpired
		}
		return nil
	}

	resp, err := s.Do(context.Background(), http.MethodPost, f.srv.URL+"/api", []byte(`{}`), inspect)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if string(resp.Body) != `{"token":"access-1"}` {
		t.Errorf("expected retry after inspector reported expiry, got %s", resp.Body)
	}
	if atomic.LoadInt32(&f.refreshes) != 1 {
		t.Errorf("expected 1 refresh, got %d", atomic.LoadInt32(&f.refreshes))
	}
}

func TestConcurrentCallersRefreshOnce(t *testing.T) {
	f := newFakeGoogle(t)

	stale := validToken()
	stale.Expiry = time.Now().Add(-time.Minute)
	s := f.session(t, &memStore{token: stale})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.AuthorizedRequest(context.Background(), http.MethodGet, f.srv.URL+"/api", nil); err != nil {
				t.Errorf("request: %v", err)
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&f.refreshes) != 1 {
		t.Errorf("expected a single refresh, got %d", atomic.LoadInt32(&f.refreshes))
	}
}
