// Package credentials loads secrets from a permission-checked TOML file and
// the OAuth token file used by the publishing platform.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Credentials holds the secrets loaded from credentials.toml.
//
//	[google]              # any provider section
//	api_key = "..."
//
//	[llm]                 # fallback for every provider
//	api_key = "..."
//
//	[platform]
//	token_file = "/var/lib/postflow/token.json"
//
//	[asset]
//	signing_secret = "..."
type Credentials struct {
	// LLM is the generic LLM API key (used when provider-specific key not found)
	LLM *ProviderCreds

	// Platform points at the OAuth token file.
	Platform *PlatformCreds

	// Asset holds the URL signing secret.
	Asset *AssetCreds

	providers map[string]*ProviderCreds
}

// ProviderCreds holds credentials for a single provider
type ProviderCreds struct {
	APIKey string `toml:"api_key"`
}

// PlatformCreds locates the publishing platform's OAuth material.
type PlatformCreds struct {
	TokenFile    string `toml:"token_file"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenURI     string `toml:"token_uri"`
}

// AssetCreds holds the secret for HMAC-signed asset URLs.
type AssetCreds struct {
	SigningSecret string `toml:"signing_secret"`
}

// reserved sections are not provider keys.
var reserved = map[string]bool{"llm": true, "platform": true, "asset": true}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{"credentials.toml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "postflow", "credentials.toml"))
	}
	paths = append(paths, filepath.Join("/etc", "postflow", "credentials.toml"))

	return paths
}

// Load loads credentials from the first available standard location
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil // No credentials file found (not an error)
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if the file mode is anything but 0400.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var raw map[string]toml.Primitive
	md, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, err
	}

	creds := &Credentials{providers: make(map[string]*ProviderCreds)}
	for key, prim := range raw {
		switch key {
		case "platform":
			var p PlatformCreds
			if err := md.PrimitiveDecode(prim, &p); err != nil {
				return nil, fmt.Errorf("credentials [platform]: %w", err)
			}
			creds.Platform = &p
		case "asset":
			var a AssetCreds
			if err := md.PrimitiveDecode(prim, &a); err != nil {
				return nil, fmt.Errorf("credentials [asset]: %w", err)
			}
			creds.Asset = &a
		default:
			var p ProviderCreds
			// Sections without an api_key are ignored.
			if err := md.PrimitiveDecode(prim, &p); err != nil || p.APIKey == "" {
				continue
			}
			if key == "llm" {
				creds.LLM = &p
			} else {
				creds.providers[key] = &p
			}
		}
	}

	return creds, nil
}

// GetAPIKey returns the API key for a provider.
// Priority: [provider] section > [llm] section > environment variable
func (c *Credentials) GetAPIKey(provider string) string {
	if c != nil && !reserved[provider] {
		normalized := strings.ToLower(strings.ReplaceAll(provider, "-", ""))

		if creds, ok := c.providers[provider]; ok && creds.APIKey != "" {
			return creds.APIKey
		}
		if creds, ok := c.providers[normalized]; ok && creds.APIKey != "" {
			return creds.APIKey
		}
		if c.LLM != nil && c.LLM.APIKey != "" {
			return c.LLM.APIKey
		}
	}

	return os.Getenv(envVarForProvider(provider))
}

// TokenFilePath returns the configured OAuth token file, falling back to
// POSTFLOW_TOKEN_FILE.
func (c *Credentials) TokenFilePath() string {
	if c != nil && c.Platform != nil && c.Platform.TokenFile != "" {
		return c.Platform.TokenFile
	}
	return os.Getenv("POSTFLOW_TOKEN_FILE")
}

// SigningSecret returns the asset signing secret, falling back to
// POSTFLOW_SIGNING_SECRET.
func (c *Credentials) SigningSecret() string {
	if c != nil && c.Asset != nil && c.Asset.SigningSecret != "" {
		return c.Asset.SigningSecret
	}
	return os.Getenv("POSTFLOW_SIGNING_SECRET")
}

// envVarForProvider returns the environment variable name for a provider.
func envVarForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return strings.ToUpper(strings.ReplaceAll(provider, "-", "_")) + "_API_KEY"
	}
}
