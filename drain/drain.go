// Package drain coordinates graceful rotation of client connections. Once a
// drain is requested every response leaving the gateway carries
// "Connection: close" so HTTP client pools stop reusing this node.
package drain

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
)

// Manager holds the process-wide drain flag.
type Manager struct {
	requested atomic.Bool
	onDrain   atomic.Pointer[func()]
}

// Default is the process-wide manager.
var Default = &Manager{}

// RequestDrain marks every later response for connection closure. It is
// idempotent and reports whether this call flipped the flag.
func (m *Manager) RequestDrain() bool {
	flipped := m.requested.CompareAndSwap(false, true)
	if flipped {
		if fn := m.onDrain.Load(); fn != nil {
			(*fn)()
		}
	}
	return flipped
}

// Draining reports whether a drain was requested.
func (m *Manager) Draining() bool { return m.requested.Load() }

// OnDrain registers a callback run once, when the flag first flips.
func (m *Manager) OnDrain(fn func()) { m.onDrain.Store(&fn) }

// Reinitialize clears the flag. It is the explicit lifecycle hook used when
// the serving stack is rebuilt in-process; nothing calls it implicitly.
func (m *Manager) Reinitialize() { m.requested.Store(false) }

// Middleware tags responses with "Connection: close" while draining. The flag
// is read when the response header is committed, so a drain requested while a
// pull is in flight still applies to that response.
func (m *Manager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(&responseWriter{ResponseWriter: w, m: m}, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	m           *Manager
	wroteHeader bool
}

func (w *responseWriter) tag() {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if w.m.Draining() {
		w.ResponseWriter.Header().Set("Connection", "close")
	}
}

func (w *responseWriter) WriteHeader(status int) {
	w.tag()
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	w.tag()
	return w.ResponseWriter.Write(p)
}

func (w *responseWriter) Flush() {
	w.tag()
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("drain: hijack not supported")
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
