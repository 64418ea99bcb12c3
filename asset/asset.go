// Package asset gates artifacts by media type and produces time-bounded
// fetch references for them.
package asset

import (
	"context"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"
)

// DefaultTTL is how long a fetch reference stays valid. The platform fetches
// the image some time after the post is created.
const DefaultTTL = 60 * time.Minute

var allowed = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
	"image/gif":  true,
	"image/heic": true,
	"image/heif": true,
}

// extensions the system MIME table may not know.
var extraTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".gif":  "image/gif",
	".heic": "image/heic",
	".heif": "image/heif",
}

// Reference is a fetchable URL and its expiry.
type Reference struct {
	URL       string
	ExpiresAt time.Time
}

// Signer issues fetch references for stored objects.
type Signer interface {
	Sign(ctx context.Context, container, name string, ttl time.Duration) (Reference, error)
}

// Allowed reports whether mimeType is a supported image type.
func Allowed(mimeType string) bool {
	return allowed[normalize(mimeType)]
}

// DetectMIME returns the image type of an object. The file extension decides;
// contentType is used only when the extension is unknown. ok is false for
// anything that is not a supported image.
func DetectMIME(name, contentType string) (string, bool) {
	ext := strings.ToLower(path.Ext(name))
	if t, found := extraTypes[ext]; found {
		return t, true
	}
	if ext != "" {
		if t := normalize(mime.TypeByExtension(ext)); t != "" {
			return t, allowed[t]
		}
	}
	if t := normalize(contentType); allowed[t] {
		return t, true
	}
	return "", false
}

// StorageURI returns the gs:// URI of an object.
func StorageURI(container, name string) string {
	return fmt.Sprintf("gs://%s/%s", container, name)
}

func normalize(mimeType string) string {
	t, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return t
}
