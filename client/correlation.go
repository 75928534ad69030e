package client

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/xid"
)

// HeaderCorrelationID carries the correlation id on requests and responses.
const HeaderCorrelationID = "X-Correlation-Id"

// MaxCorrelationIDLength bounds client-supplied correlation ids.
const MaxCorrelationIDLength = 128

type correlationContextKey struct{}

// NormalizeCorrelationID trims id and rejects empty, oversized or
// non-printable values.
func NormalizeCorrelationID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxCorrelationIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// ContextWithCorrelationID annotates ctx so calls made with it send id.
// Invalid ids leave ctx unchanged.
func ContextWithCorrelationID(ctx context.Context, id string) context.Context {
	normalized, ok := NormalizeCorrelationID(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, correlationContextKey{}, normalized)
}

// CorrelationIDFromContext returns the id carried by ctx, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(correlationContextKey{}).(string)
	return id
}

// GenerateCorrelationID returns a fresh id.
func GenerateCorrelationID() string {
	return xid.New().String()
}

// CorrelationIDFromResponse reads the correlation header from resp.
func CorrelationIDFromResponse(resp *http.Response) string {
	if resp == nil {
		return ""
	}
	return resp.Header.Get(HeaderCorrelationID)
}
