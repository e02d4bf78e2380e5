package sdmauth

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// ExchangeCode completes the authorization code grant.  redirectResponse is
// either the full URL the consent page redirected to, or just the code.
func (s *Session) ExchangeCode(ctx context.Context, redirectResponse string) (*Token, error) {
	code, err := codeFromRedirect(redirectResponse)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Fetching token ...")

	ot, err := s.oauth.Exchange(s.oauthContext(ctx), code)
	if err != nil {
		return nil, authFailure("exchanging authorization code", err)
	}

	t := tokenFromOauth2(ot, s.oauth)

	s.mu.Lock()
	s.token = t
	err = s.persist(t)
	s.mu.Unlock()

	if err != nil {
		return nil, errors.Wrap(err, "saving token after authorization code grant")
	}

	s.notify(t)

	c := *t
	return &c, nil
}

func codeFromRedirect(redirectResponse string) (string, error) {
	code := redirectResponse

	u, err := url.Parse(redirectResponse)
	if err == nil && u.RawQuery != "" {
		q := u.Query()
		if e := q.Get("error"); e != "" {
			return "", errors.Errorf("authorization denied: %s", e)
		}
		code = q.Get("code")
	}

	if code == "" {
		return "", errors.New("no authorization code in redirect response")
	}

	return code, nil
}

// refreshLocked runs the refresh token grant; s.mu must be held
func (s *Session) refreshLocked(ctx context.Context) (*Token, error) {
	if s.token == nil || s.token.RefreshToken == "" {
		return nil, authFailure("refreshing token", ErrNotAuthenticated)
	}

	s.logger.Info("Refreshing tokens ...")

	// an empty access token forces the token source to hit the token URL
	ts := s.oauth.TokenSource(s.oauthContext(ctx), &oauth2.Token{RefreshToken: s.token.RefreshToken})
	ot, err := ts.Token()
	if err != nil {
		return nil, authFailure("refreshing token", err)
	}

	t := tokenFromOauth2(ot, s.oauth)
	if t.RefreshToken == "" {
		t.RefreshToken = s.token.RefreshToken
	}

	s.token = t
	s.persist(t)

	s.logger.Debugf("Refreshed token: %s", t)

	c := *t
	return &c, nil
}
