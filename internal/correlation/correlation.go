// Package correlation carries caller supplied correlation identifiers from
// the HTTP edge into logs and back out in responses.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/xid"
)

// Header is the HTTP header that carries correlation identifiers.
const Header = "X-Correlation-Id"

// MaxIDLength caps accepted identifiers.
const MaxIDLength = 128

type contextKey struct{}

// Set returns a copy of ctx carrying id. Invalid ids leave ctx unchanged.
func Set(ctx context.Context, id string) context.Context {
	normalized, ok := Normalize(id)
	if !ok {
		return ctx
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

// ID returns the correlation id stored on ctx, or "".
func ID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// Has reports whether ctx carries a correlation id.
func Has(ctx context.Context) bool {
	return ID(ctx) != ""
}

// Normalize trims id and rejects empty, oversized or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a fresh identifier.
func Generate() string {
	return xid.New().String()
}

// FromRequest returns the request's correlation id, generating one when the
// header is absent or invalid.
func FromRequest(r *http.Request) string {
	if r != nil {
		if id, ok := Normalize(r.Header.Get(Header)); ok {
			return id
		}
	}
	return Generate()
}
