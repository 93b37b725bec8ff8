package httpget

import (
	"context"
	"net"
	"net/http"

	"github.com/ggoodman/pullgate/internal/logctx"
	"github.com/google/uuid"
)

type connIDKey struct{}

// ConnContext gives every accepted connection a stable id. Pulls without an
// explicit client identifier are keyed by it, so a keep-alive client resumes
// the same subscription. Install it as http.Server.ConnContext.
func ConnContext(ctx context.Context, _ net.Conn) context.Context {
	return context.WithValue(ctx, connIDKey{}, uuid.NewString())
}

func connectionID(ctx context.Context) string {
	id, _ := ctx.Value(connIDKey{}).(string)
	return id
}

type requestIDKey struct{}

func withRequest(ctx context.Context, r *http.Request) context.Context {
	id := uuid.NewString()
	ctx = context.WithValue(ctx, requestIDKey{}, id)
	return logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID:  id,
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
