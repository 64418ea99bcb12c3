package credentials

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultTokenURI is the token endpoint used when the file names none.
const DefaultTokenURI = "https://oauth2.googleapis.com/token"

// ErrNoTokenFile is returned when no token file path is configured.
var ErrNoTokenFile = errors.New("no oauth token file configured")

// OAuthToken is the authorized-user secret for the publishing platform.
type OAuthToken struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	AccessToken  string    `json:"access_token,omitempty"`
	TokenURI     string    `json:"token_uri,omitempty"`
	Expiry       time.Time `json:"expiry,omitzero"`
}

// TokenFile reads and writes an OAuthToken as JSON on disk.
type TokenFile struct {
	Path string
}

// Load reads the token. A missing token_uri defaults to DefaultTokenURI.
func (f TokenFile) Load() (*OAuthToken, error) {
	if f.Path == "" {
		return nil, ErrNoTokenFile
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok OAuthToken
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", f.Path, err)
	}
	if tok.ClientID == "" || tok.ClientSecret == "" {
		return nil, fmt.Errorf("token file %s: client_id and client_secret are required", f.Path)
	}
	if tok.TokenURI == "" {
		tok.TokenURI = DefaultTokenURI
	}
	return &tok, nil
}

// Save replaces the file atomically with mode 0600.
func (f TokenFile) Save(tok *OAuthToken) error {
	if f.Path == "" {
		return ErrNoTokenFile
	}
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.Path), ".token-*")
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("save token: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save token: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.Path); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}
