package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the authentication attempt and provider
// data stored in the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if ad, ok := ctx.Value(attemptDataKey{}).(*AttemptData); ok {
		r.AddAttrs(slog.Group("attempt",
			slog.String("id", ad.AttemptID),
			slog.String("authenticator", ad.Authenticator),
			slog.String("service", ad.ServiceID),
			slog.String("account", ad.Account),
			slog.String("origin", ad.Origin),
		))
	}

	if pd, ok := ctx.Value(providerDataKey{}).(*ProviderData); ok {
		r.AddAttrs(slog.Group("provider",
			slog.String("uri", pd.ProviderURI),
			slog.String("issuer", pd.Issuer),
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

// Wrap returns a logger whose handler is decorated by Handler. Wrapping an
// already wrapped logger is a no-op.
func Wrap(l *slog.Logger) *slog.Logger {
	if _, ok := l.Handler().(Handler); ok {
		return l
	}
	return slog.New(Handler{Handler: l.Handler()})
}

type attemptDataKey struct{}

type AttemptData struct {
	AttemptID     string
	Authenticator string
	ServiceID     string
	Account       string
	Origin        string
}

func WithAttemptData(ctx context.Context, data *AttemptData) context.Context {
	return context.WithValue(ctx, attemptDataKey{}, data)
}

type providerDataKey struct{}

type ProviderData struct {
	ProviderURI string
	Issuer      string
}

func WithProviderData(ctx context.Context, data *ProviderData) context.Context {
	return context.WithValue(ctx, providerDataKey{}, data)
}
