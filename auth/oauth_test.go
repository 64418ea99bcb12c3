package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/vinayprograms/postflow/credentials"
	perrors "github.com/vinayprograms/postflow/errors"
	"github.com/vinayprograms/postflow/logging"
)

type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newTokenServer(t *testing.T, status int, body string) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func writeToken(t *testing.T, tok credentials.OAuthToken) credentials.TokenFile {
	t.Helper()
	f := credentials.TokenFile{Path: filepath.Join(t.TempDir(), "token.json")}
	require.NoError(t, f.Save(&tok))
	return f
}

func testCtx(srv *tokenServer) context.Context {
	return context.WithValue(context.Background(), oauth2.HTTPClient, srv.Client())
}

const okBody = `{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`

func TestTokenSource_ValidTokenNotRefreshed(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, okBody)
	f := writeToken(t, credentials.OAuthToken{
		ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt",
		AccessToken: "current", TokenURI: srv.URL,
		Expiry: time.Now().Add(time.Hour),
	})

	ts, err := NewTokenSource(testCtx(srv), f, nil)
	require.NoError(t, err)
	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "current", tok.AccessToken)
	assert.Equal(t, int32(0), srv.calls.Load())
}

func TestTokenSource_RefreshPersists(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, okBody)
	f := writeToken(t, credentials.OAuthToken{
		ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt",
		AccessToken: "stale", TokenURI: srv.URL,
		Expiry: time.Now().Add(-time.Hour),
	})

	ts, err := NewTokenSource(testCtx(srv), f, nil)
	require.NoError(t, err)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)

	// Cached until it expires.
	_, err = ts.Token()
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.calls.Load())

	saved, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, "fresh", saved.AccessToken)
	assert.Equal(t, "rt", saved.RefreshToken, "refresh token kept when the server omits it")
	assert.True(t, saved.Expiry.After(time.Now()))
}

func TestTokenSource_NoRefreshToken(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, okBody)
	f := writeToken(t, credentials.OAuthToken{
		ClientID: "cid", ClientSecret: "cs", TokenURI: srv.URL,
	})

	ts, err := NewTokenSource(testCtx(srv), f, nil)
	require.NoError(t, err)

	_, err = ts.Token()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no refresh_token")
	assert.True(t, errors.Is(err, ErrNoRefreshToken))
	assert.Equal(t, perrors.Permanent, perrors.Classify(err))
	assert.Equal(t, int32(0), srv.calls.Load())
}

func TestTokenSource_InvalidGrantIsPermanent(t *testing.T) {
	srv := newTokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been revoked."}`)
	f := writeToken(t, credentials.OAuthToken{
		ClientID: "cid", ClientSecret: "cs", RefreshToken: "revoked", TokenURI: srv.URL,
	})

	ts, err := NewTokenSource(testCtx(srv), f, nil)
	require.NoError(t, err)

	_, err = ts.Token()
	require.Error(t, err)
	assert.Equal(t, perrors.Permanent, perrors.Classify(err))
}

type failingStore struct {
	credentials.TokenFile
}

func (failingStore) Save(*credentials.OAuthToken) error {
	return errors.New("read-only filesystem")
}

func TestTokenSource_PersistFailureIsNotFatal(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, okBody)
	f := writeToken(t, credentials.OAuthToken{
		ClientID: "cid", ClientSecret: "cs", RefreshToken: "rt", TokenURI: srv.URL,
	})

	var buf bytes.Buffer
	logger := logging.NewWithConfig(logging.Config{Output: &buf})

	ts, err := NewTokenSource(testCtx(srv), failingStore{f}, logger)
	require.NoError(t, err)

	tok, err := ts.Token()
	require.NoError(t, err)
	assert.Equal(t, "fresh", tok.AccessToken)
	assert.Contains(t, buf.String(), "failed to persist refreshed token")
}

func TestNewTokenSource_MissingFile(t *testing.T) {
	f := credentials.TokenFile{Path: filepath.Join(t.TempDir(), "absent.json")}
	_, err := NewTokenSource(context.Background(), f, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.True(t, perrors.IsPermanent(err))
}

func TestNewHTTPClient_SetsBearer(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
	}))
	defer api.Close()

	c := NewHTTPClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: "abc"}))
	resp, err := c.Get(api.URL)
	require.NoError(t, err)
	resp.Body.Close()
}
