// Package auth supplies OAuth2 access tokens for the publishing platform.
// Tokens are refreshed only when the cached one is no longer valid, and a
// refreshed token is written back to its store so restarts reuse it.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/vinayprograms/postflow/credentials"
	perrors "github.com/vinayprograms/postflow/errors"
	"github.com/vinayprograms/postflow/logging"
)

// Scope is the OAuth scope required to manage business posts.
const Scope = "https://www.googleapis.com/auth/business.manage"

// httpClient is used for token requests unless the context carries one.
var httpClient = &http.Client{
	Timeout: 30 * time.Second,
}

// ErrNoRefreshToken is returned when the access token is invalid and the
// stored credentials cannot renew it.
var ErrNoRefreshToken = errors.New("oauth token is invalid and no refresh_token is available; re-run the consent flow")

// TokenStore loads and persists the authorized-user token.
type TokenStore interface {
	Load() (*credentials.OAuthToken, error)
	Save(*credentials.OAuthToken) error
}

// NewTokenSource builds a token source from the token in store.
//
// The context supplies the HTTP client for refresh calls (oauth2.HTTPClient)
// and must outlive the returned source.
func NewTokenSource(ctx context.Context, store TokenStore, logger *logging.Logger) (oauth2.TokenSource, error) {
	stored, err := store.Load()
	if err != nil {
		return nil, perrors.Wrap(err, "load oauth token",
			perrors.WithCategory(perrors.CategoryPermanent), perrors.WithRetryable(false))
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if _, ok := ctx.Value(oauth2.HTTPClient).(*http.Client); !ok {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}

	tokenURI := stored.TokenURI
	if tokenURI == "" {
		tokenURI = credentials.DefaultTokenURI
	}
	cfg := &oauth2.Config{
		ClientID:     stored.ClientID,
		ClientSecret: stored.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURI,
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{Scope},
	}

	initial := &oauth2.Token{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       stored.Expiry,
	}
	src := &persistingSource{
		ctx:    ctx,
		cfg:    cfg,
		store:  store,
		stored: stored,
		logger: logger.WithComponent("oauth"),
	}
	return oauth2.ReuseTokenSource(initial, src), nil
}

// persistingSource refreshes the token and writes the result back.
type persistingSource struct {
	ctx    context.Context
	cfg    *oauth2.Config
	store  TokenStore
	logger *logging.Logger

	mu     sync.Mutex
	stored *credentials.OAuthToken
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stored.RefreshToken == "" {
		return nil, perrors.New(perrors.ErrCodeUnauthorized, "cannot refresh oauth token",
			perrors.WithRetryable(false), perrors.WithCause(ErrNoRefreshToken))
	}

	tok, err := s.cfg.TokenSource(s.ctx, &oauth2.Token{RefreshToken: s.stored.RefreshToken}).Token()
	if err != nil {
		// invalid_grant and friends surface in the message and classify as permanent.
		return nil, fmt.Errorf("refresh oauth token: %w", err)
	}

	next := *s.stored
	next.AccessToken = tok.AccessToken
	next.Expiry = tok.Expiry
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}
	s.stored = &next

	if err := s.store.Save(&next); err != nil {
		s.logger.Warn("failed to persist refreshed token", map[string]interface{}{"error": err.Error()})
	} else {
		s.logger.Info("oauth token refreshed", map[string]interface{}{"expiry": tok.Expiry})
	}
	return tok, nil
}

// NewHTTPClient returns a client that authorizes requests with ts.
func NewHTTPClient(ctx context.Context, ts oauth2.TokenSource) *http.Client {
	return oauth2.NewClient(ctx, ts)
}
