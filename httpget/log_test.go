package httpget_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
)

// logBridge forwards slog output to t.Log so it is grouped with the test.
type logBridge struct {
	slog.Handler
	t   testing.TB
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (b *logBridge) Handle(ctx context.Context, rec slog.Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.Handler.Handle(ctx, rec); err != nil {
		return err
	}
	output, err := io.ReadAll(b.buf)
	if err != nil {
		return err
	}
	b.t.Helper()
	b.t.Log(string(bytes.TrimSuffix(output, []byte("\n"))))
	return nil
}

func (b *logBridge) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithAttrs(attrs)}
}

func (b *logBridge) WithGroup(name string) slog.Handler {
	return &logBridge{t: b.t, buf: b.buf, mu: b.mu, Handler: b.Handler.WithGroup(name)}
}

func testLogger(t *testing.T) *slog.Logger {
	b := &logBridge{t: t, buf: &bytes.Buffer{}, mu: &sync.Mutex{}}
	b.Handler = slog.NewTextHandler(b.buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(b)
}
