package asset

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Verification errors.
var (
	ErrBadSignature = errors.New("bad signature")
	ErrExpired      = errors.New("reference expired")
)

// HMACSigner issues URLs under a base URL signed with a shared secret. It
// serves deployments whose images sit behind a proxy that checks the
// signature with Verify.
type HMACSigner struct {
	base   *url.URL
	secret []byte
	now    func() time.Time
}

// NewHMACSigner creates a signer for baseURL.
func NewHMACSigner(baseURL string, secret []byte) (*HMACSigner, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("hmac secret is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", baseURL)
	}
	return &HMACSigner{base: u, secret: secret, now: time.Now}, nil
}

// Sign implements Signer.
func (s *HMACSigner) Sign(ctx context.Context, container, name string, ttl time.Duration) (Reference, error) {
	if err := ctx.Err(); err != nil {
		return Reference{}, err
	}
	if container == "" || name == "" {
		return Reference{}, fmt.Errorf("container and name are required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	expires := s.now().Add(ttl).Truncate(time.Second)

	u := *s.base
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + container + "/" + name
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires.Unix(), 10))
	q.Set("sig", s.mac(container+"/"+name, expires.Unix()))
	u.RawQuery = q.Encode()

	return Reference{URL: u.String(), ExpiresAt: expires}, nil
}

// Verify checks a URL issued by Sign.
func (s *HMACSigner) Verify(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	prefix := strings.TrimSuffix(s.base.Path, "/") + "/"
	if u.Host != s.base.Host || !strings.HasPrefix(u.Path, prefix) {
		return ErrBadSignature
	}
	object := strings.TrimPrefix(u.Path, prefix)

	expires, err := strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	want := s.mac(object, expires)
	if !hmac.Equal([]byte(want), []byte(u.Query().Get("sig"))) {
		return ErrBadSignature
	}
	if s.now().Unix() > expires {
		return ErrExpired
	}
	return nil
}

func (s *HMACSigner) mac(object string, expires int64) string {
	h := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(h, "%s:%d", object, expires)
	return hex.EncodeToString(h.Sum(nil))
}
