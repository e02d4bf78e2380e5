package sdmauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
)

const (
	authorizeURLTemplate = "https://nestservices.google.com/partnerconnections/%s/auth"

	// DefaultTokenURL serves both the authorization code and refresh grants
	DefaultTokenURL = "https://www.googleapis.com/oauth2/v4/token"

	// Scope is the only scope the SDM API knows about
	Scope = "https://www.googleapis.com/auth/sdm.service"
)

// HTTPClient is the transport used for API and token requests; *http.Client
// satisfies it
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// RawResponse is a fully read HTTP response
type RawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Inspector examines a response before it is handed back from Do.  Returning
// ErrTokenExpired triggers the refresh-and-retry.
type Inspector func(resp *RawResponse) error

// Config holds the OAuth client registration for an SDM project
type Config struct {
	ProjectID    string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Endpoint overrides, defaulting to the Google endpoints
	AuthURL  string
	TokenURL string
}

// Session owns the live token and signs requests with it.  It is safe for
// concurrent use; refreshes are serialised.
type Session struct {
	oauth    *oauth2.Config
	client   HTTPClient
	store    TokenStore
	onUpdate func(t *Token)
	logger   *logrus.Entry
	now      func() time.Time

	mu    sync.Mutex
	token *Token
}

// NewSession creates a session and loads any token previously saved in store.
// A nil store keeps the token in memory only.
func NewSession(cfg Config, store TokenStore) (*Session, error) {
	authURL := cfg.AuthURL
	if authURL == "" {
		authURL = fmt.Sprintf(authorizeURLTemplate, cfg.ProjectID)
	}

	tokenURL := cfg.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	s := &Session{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       []string{Scope},
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL,
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: http.DefaultClient,
		store:  store,
		logger: logging.Component("sdmauth"),
		now:    time.Now,
	}

	if store != nil {
		t, err := store.Load()
		if err != nil {
			return nil, errors.Wrap(err, "loading stored token")
		}
		s.token = t
	}

	return s, nil
}

func (s *Session) WithHTTPClient(c HTTPClient) *Session {
	s.client = c
	return s
}

// WithTokenUpdater registers a callback invoked with every new token
func (s *Session) WithTokenUpdater(f func(t *Token)) *Session {
	s.onUpdate = f
	return s
}

func (s *Session) WithLogger(l *logrus.Entry) *Session {
	s.logger = l
	return s
}

// Token returns a copy of the current token, or nil if unauthenticated
func (s *Session) Token() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token == nil {
		return nil
	}
	t := *s.token
	return &t
}

// AuthorizationURL returns the consent page the user must visit to grant
// offline access to the project
func (s *Session) AuthorizationURL(state string) string {
	return s.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// AuthorizedRequest performs a signed request, refreshing the token once if
// the server reports it expired
func (s *Session) AuthorizedRequest(ctx context.Context, method, url string, body []byte) (*RawResponse, error) {
	return s.Do(ctx, method, url, body, nil)
}

// Do performs a signed request.  A stale token is refreshed before use;
// otherwise an expiry reported by the transport or by inspect causes exactly
// one refresh and one retry.  Either way at most one refresh happens per call.
func (s *Session) Do(ctx context.Context, method, url string, body []byte, inspect Inspector) (*RawResponse, error) {
	tok, refreshed, err := s.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := s.attempt(ctx, method, url, body, tok, inspect)
	if !errors.Is(err, ErrTokenExpired) {
		return resp, err
	}

	if refreshed {
		return nil, authFailure("request with refreshed token", err)
	}

	s.logger.Warn("Token expired.")
	tok, err = s.refreshAfterExpiry(ctx, tok)
	if err != nil {
		return nil, err
	}

	resp, err = s.attempt(ctx, method, url, body, tok, inspect)
	if errors.Is(err, ErrTokenExpired) {
		return nil, authFailure("request with refreshed token", err)
	}

	return resp, err
}

func (s *Session) attempt(ctx context.Context, method, url string, body []byte, tok *Token, inspect Inspector) (*RawResponse, error) {
	s.logger.Debugf("Request: %s %s", method, url)

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, errors.Wrapf(err, "building request %s %s", method, url)
	}
	tok.oauth2().SetAuthHeader(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "executing request %s %s", method, url)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading response body")
	}

	raw := &RawResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return raw, ErrTokenExpired
	}

	if inspect != nil {
		if err := inspect(raw); err != nil {
			return raw, err
		}
	}

	return raw, nil
}

// currentToken returns a usable token, refreshing a stale one first
func (s *Session) currentToken(ctx context.Context) (*Token, bool, error) {
	s.mu.Lock()
	if s.token.Valid(s.now()) {
		t := *s.token
		s.mu.Unlock()
		return &t, false, nil
	}

	t, err := s.refreshLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, false, err
	}

	s.notify(t)
	return t, true, nil
}

// refreshAfterExpiry replaces the stale token, unless a concurrent caller has
// already done so
func (s *Session) refreshAfterExpiry(ctx context.Context, stale *Token) (*Token, error) {
	s.mu.Lock()
	if s.token != nil && s.token.AccessToken != stale.AccessToken && s.token.Valid(s.now()) {
		t := *s.token
		s.mu.Unlock()
		return &t, nil
	}

	t, err := s.refreshLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify(t)
	return t, nil
}

// Refresh performs a refresh token grant unconditionally
func (s *Session) Refresh(ctx context.Context) (*Token, error) {
	s.mu.Lock()
	t, err := s.refreshLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	s.notify(t)
	return t, nil
}

func (s *Session) notify(t *Token) {
	if s.onUpdate != nil {
		c := *t
		s.onUpdate(&c)
	}
}

// adapts any HTTPClient to the *http.Client the oauth2 package wants
type clientTransport struct {
	client HTTPClient
}

func (t clientTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.client.Do(req)
}

func (s *Session) oauthContext(ctx context.Context) context.Context {
	hc, ok := s.client.(*http.Client)
	if !ok {
		hc = &http.Client{Transport: clientTransport{client: s.client}}
	}

	return context.WithValue(ctx, oauth2.HTTPClient, hc)
}

// persist saves the token; a storage failure is reported but the token
// remains in use
func (s *Session) persist(t *Token) error {
	if s.store == nil {
		return nil
	}

	if err := s.store.Save(t); err != nil {
		s.logger.WithError(err).Error("persisting oauth token")
		return err
	}

	return nil
}
