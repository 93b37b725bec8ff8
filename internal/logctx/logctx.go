package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, API and pull data stored in
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if ad, ok := ctx.Value(apiDataKey{}).(*APIData); ok {
		r.AddAttrs(slog.Group("api",
			slog.String("id", ad.APIID),
			slog.String("context_path", ad.ContextPath),
		))
	}

	if pd, ok := ctx.Value(pullDataKey{}).(*PullData); ok {
		r.AddAttrs(slog.Group("pull",
			slog.String("transaction_id", pd.TransactionID),
			slog.String("client_id", pd.ClientID),
			slog.String("topic", pd.Topic),
			slog.String("qos", pd.QoS),
		))
	}

	if sd, ok := ctx.Value(subscriptionDataKey{}).(*SubscriptionData); ok {
		r.AddAttrs(slog.Group("sub",
			slog.String("key", sd.Key),
			slog.String("connector", sd.Connector),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type apiDataKey struct{}

type APIData struct {
	APIID       string
	ContextPath string
}

func WithAPIData(ctx context.Context, data *APIData) context.Context {
	return context.WithValue(ctx, apiDataKey{}, data)
}

type pullDataKey struct{}

type PullData struct {
	TransactionID string
	ClientID      string
	Topic         string
	QoS           string
}

func WithPullData(ctx context.Context, data *PullData) context.Context {
	return context.WithValue(ctx, pullDataKey{}, data)
}

type subscriptionDataKey struct{}

type SubscriptionData struct {
	Key       string
	Connector string
}

func WithSubscriptionData(ctx context.Context, data *SubscriptionData) context.Context {
	return context.WithValue(ctx, subscriptionDataKey{}, data)
}

// Wrap returns a logger whose handler applies the context decorations.
func Wrap(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(Handler{Handler: slog.DiscardHandler})
	}
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}
