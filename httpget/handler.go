// Package httpget is the HTTP GET entrypoint: every request pulls a page of
// messages from the API's endpoint through a shared subscription.
package httpget

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ggoodman/pullgate/apis"
	"github.com/ggoodman/pullgate/auth"
	"github.com/ggoodman/pullgate/connector"
	"github.com/ggoodman/pullgate/cursor"
	"github.com/ggoodman/pullgate/endpoint"
	"github.com/ggoodman/pullgate/failure"
	"github.com/ggoodman/pullgate/fetch"
	"github.com/ggoodman/pullgate/internal/logctx"
	"github.com/ggoodman/pullgate/internal/metrics"
	"github.com/ggoodman/pullgate/qos"
	"github.com/ggoodman/pullgate/render"
	"github.com/ggoodman/pullgate/subscriptions"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

// Header names.
const (
	ClientIdentifierHeader = "X-Gravitee-Client-Identifier"
	TransactionIDHeader    = "X-Gravitee-Transaction-Id"
	RequestIDHeader        = "X-Gravitee-Request-Id"
)

// Query parameters.
const (
	LimitParam  = "limit"
	CursorParam = "cursor"
)

// DefaultRequestTimeout bounds a whole pull.
const DefaultRequestTimeout = 30 * time.Second

// Option configures a Handler or Gateway.
type Option func(*config)

type config struct {
	log      *slog.Logger
	metrics  metrics.Collector
	timeout  time.Duration
	resolver *endpoint.Resolver
	attrs    func(*http.Request) map[string]any
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.log = l }
}

// WithMetrics records pull outcomes.
func WithMetrics(m metrics.Collector) Option {
	return func(c *config) { c.metrics = m }
}

// WithRequestTimeout sets the global per-request deadline.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithAttributes supplies the request attributes consulted by endpoint
// resolution, e.g. a topic override computed by an upstream layer.
func WithAttributes(fn func(*http.Request) map[string]any) Option {
	return func(c *config) { c.attrs = fn }
}

func newConfig(opts []Option) config {
	c := config{timeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&c)
	}
	c.log = logctx.Wrap(c.log)
	c.metrics = metrics.OrNop(c.metrics)
	if c.resolver == nil {
		c.resolver = endpoint.NewResolver()
	}
	return c
}

// Handler serves one deployed API.
type Handler struct {
	def   apis.Definition
	conn  connector.Connector
	subs  *subscriptions.Registry
	authn auth.Authenticator
	cfg   config
	// deployment is assigned by the Gateway before the handler is routed.
	deployment uint64
}

// NewHandler binds def to its connector and the shared registry. authn may
// be nil for keyless plans.
func NewHandler(def apis.Definition, conn connector.Connector, subs *subscriptions.Registry, authn auth.Authenticator, opts ...Option) *Handler {
	return &Handler{def: def, conn: conn, subs: subs, authn: authn, cfg: newConfig(opts)}
}

func newHandler(def apis.Definition, conn connector.Connector, subs *subscriptions.Registry, authn auth.Authenticator, cfg config) *Handler {
	return &Handler{def: def, conn: conn, subs: subs, authn: authn, cfg: cfg}
}

// Definition returns the API served.
func (h *Handler) Definition() apis.Definition { return h.def }

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	log := h.cfg.log

	if requestID(ctx) == "" {
		ctx = withRequest(ctx, r)
	}
	reqID := requestID(ctx)
	txID := r.Header.Get(TransactionIDHeader)
	if txID == "" {
		txID = uuid.NewString()
	}
	w.Header().Set(TransactionIDHeader, txID)
	w.Header().Set(RequestIDHeader, reqID)

	ctx = logctx.WithAPIData(ctx, &logctx.APIData{APIID: h.def.ID, ContextPath: h.def.ContextPath})

	status := http.StatusOK
	delivered := 0
	defer func() {
		h.cfg.metrics.PullCompleted(h.def.ID, status, delivered, time.Since(start))
	}()

	format, err := render.Negotiate(r)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		status = h.writeFailure(ctx, w, format, &failure.Error{Status: http.StatusMethodNotAllowed, Message: "Method not allowed"})
		return
	}
	if err != nil {
		status = h.writeFailure(ctx, w, render.JSON, failure.NotAcceptable(err))
		return
	}

	ui, ch := auth.Check(ctx, h.authn, r, h.def.ID, log)
	if ch != nil {
		ch.SetHeader(w.Header())
		status = h.writeFailure(ctx, w, format, &failure.Error{Status: ch.Status, Message: ch.Message(), Err: ch})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, h.cfg.timeout)
	defer cancel()

	clientID := r.Header.Get(ClientIdentifierHeader)
	if clientID == "" {
		clientID = connectionID(ctx)
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	rc := endpoint.RequestContext{
		APIID:     h.def.ID,
		RequestID: reqID,
		Path:      r.URL.Path,
		Headers:   r.Header,
		Query:     r.URL.Query(),
	}
	if h.cfg.attrs != nil {
		rc.Attributes = h.cfg.attrs(r)
	}
	if ui != nil {
		if rc.Attributes == nil {
			rc.Attributes = map[string]any{}
		}
		rc.Attributes["user.id"] = ui.UserID()
	}
	resolved, err := h.cfg.resolver.Resolve(h.def.Endpoint, rc)
	if err != nil {
		status = h.writeFailure(ctx, w, format, failure.From(err))
		return
	}

	q, err := qos.Negotiate(h.def.Entrypoint.RequestedQoS(), h.conn.SupportedQoS())
	if err != nil {
		status = h.writeFailure(ctx, w, format, failure.From(err))
		return
	}

	ctx = logctx.WithPullData(ctx, &logctx.PullData{
		TransactionID: txID,
		ClientID:      clientID,
		Topic:         resolved.Topic,
		QoS:           string(q),
	})

	query := r.URL.Query()
	limit := 0
	if v := query.Get(LimitParam); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var startPos cursor.Position
	if v := query.Get(CursorParam); v != "" {
		if startPos, err = cursor.DecodePosition(v); err != nil {
			// Fall back to the subscription position or reset policy.
			log.WarnContext(ctx, "cursor.decode.fail", slog.String("err", err.Error()))
			startPos = nil
		}
	}

	log.InfoContext(ctx, "pull.start", slog.Int("limit", limit), slog.String("cursor", cursor.EncodePosition(startPos)))

	sess := fetch.New(h.subs, fetch.Params{
		Key: subscriptions.Key{APIID: h.def.ID, ClientID: clientID, Topic: resolved.Topic},
		Spec: subscriptions.Spec{
			Connector: h.conn,
			Request: connector.SubscribeRequest{
				Topic:  resolved.Topic,
				Start:  startPos,
				Reset:  resolved.AutoOffsetReset,
				QoS:    q,
				Config: resolved,
			},
			Deployment: h.deployment,
		},
		Limit:             limit,
		MessageCountLimit: fetch.EffectiveLimit(h.def.Entrypoint.Limit(), resolved.MessageCountLimit),
		Interval:          h.def.Entrypoint.Interval(),
		Start:             startPos,
		TransactionID:     txID,
	}, fetch.WithLogger(log))

	res := sess.Run(ctx)
	next := cursor.EncodePosition(res.NextCursor)

	if res.Err != nil {
		if errors.Is(res.Err, context.Canceled) {
			// Client went away; nothing to write. 499 in the metrics.
			status = 499
			return
		}
		fe := failure.From(res.Err)
		if fe.Inlinable() && h.def.Entrypoint.Mode() == failure.ModeInline {
			status = http.StatusOK
			h.write(ctx, w, format, render.Inline(fe, txID, next))
			return
		}
		status = h.writeFailure(ctx, w, format, fe)
		return
	}

	delivered = len(res.Records)
	h.write(ctx, w, format, render.PullResponse{
		Items:      render.Messages(res.Records, res.QoS, h.def.Entrypoint.Payload()),
		Pagination: render.Pagination{NextCursor: next},
	})
}

func (h *Handler) write(ctx context.Context, w http.ResponseWriter, f render.Format, resp render.PullResponse) {
	w.Header().Set("Content-Type", f.ContentType())
	w.WriteHeader(http.StatusOK)
	if err := render.Render(w, f, resp); err != nil {
		h.cfg.log.WarnContext(ctx, "pull.write.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) writeFailure(ctx context.Context, w http.ResponseWriter, f render.Format, fe *failure.Error) int {
	h.cfg.log.InfoContext(ctx, "pull.reject",
		slog.Int("status", fe.Status),
		slog.String("kind", fe.Kind.String()),
		slog.String("err", fe.Error()),
	)
	w.Header().Set("Content-Type", f.ContentType())
	w.WriteHeader(fe.Status)
	if err := render.RenderFailure(w, f, fe); err != nil {
		h.cfg.log.WarnContext(ctx, "pull.write.fail", slog.String("err", err.Error()))
	}
	return fe.Status
}

// writeError emits the failure envelope, in the format the request
// accepts, for transport-level rejections that happen before any API is
// selected.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	f, err := render.Negotiate(r)
	if err != nil {
		f = render.JSON
	}
	w.Header().Set("Content-Type", f.ContentType())
	w.WriteHeader(status)
	_ = render.RenderFailure(w, f, &failure.Error{Status: status, Message: msg})
}
