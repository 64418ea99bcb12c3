package asset

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSSigner issues V4 signed GET URLs for Cloud Storage objects.
type GCSSigner struct {
	client *storage.Client
	now    func() time.Time
}

// GCSConfig configures the signer.
type GCSConfig struct {
	// CredentialsFile is a service-account key. Empty uses application
	// default credentials, which must be able to sign blobs.
	CredentialsFile string
}

// NewGCSSigner creates a signer.
func NewGCSSigner(ctx context.Context, cfg GCSConfig) (*GCSSigner, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	return &GCSSigner{client: client, now: time.Now}, nil
}

// Sign implements Signer.
func (s *GCSSigner) Sign(ctx context.Context, container, name string, ttl time.Duration) (Reference, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	expires := s.now().Add(ttl)
	url, err := s.client.Bucket(container).SignedURL(name, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: expires,
	})
	if err != nil {
		return Reference{}, fmt.Errorf("sign gs://%s/%s: %w", container, name, err)
	}
	return Reference{URL: url, ExpiresAt: expires}, nil
}

// Close closes the storage client.
func (s *GCSSigner) Close() error {
	return s.client.Close()
}
