package sdmauth

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// A token is treated as expired this long before its real expiry
const expiryDelta = time.Second * 60

// Token is the OAuth2 credential set used to sign SDM requests
type Token struct {
	AccessToken  string    `json:"access-token"`
	RefreshToken string    `json:"refresh-token"`
	Expiry       time.Time `json:"access-token-expiry"`
	ClientID     string    `json:"client-id"`
	ClientSecret string    `json:"client-secret,omitempty"`
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens/secrets when stringified
//
func (t Token) String() string {
	return fmt.Sprintf("ClientID [%s], ClientSecret [%s], AccessToken [%s], Expiry [%s], RefreshToken [%s]",
		t.ClientID, hashOf(t.ClientSecret), hashOf(t.AccessToken), t.Expiry, hashOf(t.RefreshToken))
}

// Valid reports whether the access token may still be used at time now.  A
// token without an expiry never goes stale.
func (t *Token) Valid(now time.Time) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}

	if t.Expiry.IsZero() {
		return true
	}

	return now.Before(t.Expiry.Add(-expiryDelta))
}

func (t *Token) oauth2() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       t.Expiry,
	}
}

func tokenFromOauth2(ot *oauth2.Token, cfg *oauth2.Config) *Token {
	return &Token{
		AccessToken:  ot.AccessToken,
		RefreshToken: ot.RefreshToken,
		Expiry:       ot.Expiry,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}
}

// TokenStore persists the session token between runs
type TokenStore interface {
	// Load returns nil without error when no token has been stored yet
	Load() (*Token, error)
	Save(t *Token) error
}

// FileStore keeps the token as JSON in a local file
type FileStore struct {
	fileName string
}

func NewFileStore(fileName string) (*FileStore, error) {
	expanded, err := homedir.Expand(fileName)
	if err != nil {
		return nil, errors.Wrapf(err, "expanding token file name %s", fileName)
	}

	return &FileStore{fileName: expanded}, nil
}

func (s *FileStore) FileName() string {
	return s.fileName
}

func (s *FileStore) Load() (*Token, error) {
	file, err := os.Open(s.fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "opening oauth token %s for read", s.fileName)
	}
	defer file.Close()

	t := &Token{}
	if err := json.NewDecoder(file).Decode(t); err != nil {
		return nil, errors.Wrapf(err, "loading oauth token from %s", s.fileName)
	}

	return t, nil
}

func (s *FileStore) Save(t *Token) error {
	if dir := filepath.Dir(s.fileName); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrapf(err, "creating directory for oauth token %s", s.fileName)
		}
	}

	file, err := os.OpenFile(s.fileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "opening oauth token %s for write", s.fileName)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(t); err != nil {
		return errors.Wrapf(err, "saving oauth token to %s", s.fileName)
	}

	return nil
}
