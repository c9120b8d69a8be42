package websocket

import (
	"context"
	"net/http"
)

type requestKey struct{}

func withRequest(ctx context.Context, r *http.Request) context.Context {
	return context.WithValue(ctx, requestKey{}, r)
}

// RequestFromContext returns the upgrade request of the connection a context
// belongs to. Engine hooks such as ParseContext use it to read headers and
// cookies.
func RequestFromContext(ctx context.Context) (*http.Request, bool) {
	r, ok := ctx.Value(requestKey{}).(*http.Request)
	return r, ok && r != nil
}
