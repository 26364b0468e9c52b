// Package authnhttp exposes an authenticator over HTTP:
//
//	POST /{authenticator}/{service}/{account}/authenticate
//	GET  /{authenticator}/{service}/{account}/status
//
// The authenticate body is the form encoded request consumed by
// oidc.ExtractToken. Rejections carry only authn.PublicMessage text.
package authnhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/internal/logctx"
)

// DefaultMaxBodyBytes bounds the authenticate request body.
const DefaultMaxBodyBytes = 64 << 10

var (
	formMediaType  = contenttype.NewMediaType("application/x-www-form-urlencoded")
	jsonMediaType  = contenttype.NewMediaType("application/json")
	octetMediaType = contenttype.NewMediaType("application/octet-stream")
)

// Authenticator is the surface the handler drives. *oidc.Authenticator
// implements it.
type Authenticator interface {
	Authenticate(ctx context.Context, in authn.AuthenticatorInput) ([]byte, error)
	Status(ctx context.Context, in authn.AuthenticatorInput) error
}

// Handler routes authentication and status requests to an Authenticator.
type Handler struct {
	auth         Authenticator
	log          *slog.Logger
	maxBodyBytes int64
	origin       func(*http.Request) string
	tokenType    string
	mux          *http.ServeMux
}

var _ http.Handler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(h *Handler) { h.maxBodyBytes = n }
}

// WithOriginFunc overrides how the caller's network origin is derived. The
// default is the request's RemoteAddr, which is only correct when no proxy
// sits in front of the handler.
func WithOriginFunc(f func(*http.Request) string) Option {
	return func(h *Handler) {
		if f != nil {
			h.origin = f
		}
	}
}

// WithTokenContentType fixes the media type of successful authenticate
// responses. By default a token that parses as JSON is sent as
// application/json and anything else as application/octet-stream.
func WithTokenContentType(mediaType string) Option {
	return func(h *Handler) { h.tokenType = mediaType }
}

// New returns a Handler for a.
func New(a Authenticator, opts ...Option) *Handler {
	h := &Handler{
		auth:         a,
		log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		maxBodyBytes: DefaultMaxBodyBytes,
		origin:       func(r *http.Request) string { return r.RemoteAddr },
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = logctx.Wrap(h.log)

	h.mux = http.NewServeMux()
	h.mux.HandleFunc("POST /{authenticator}/{service}/{account}/authenticate", h.handleAuthenticate)
	h.mux.HandleFunc("GET /{authenticator}/{service}/{account}/status", h.handleStatus)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) input(r *http.Request) authn.AuthenticatorInput {
	return authn.AuthenticatorInput{
		AuthenticatorName: r.PathValue("authenticator"),
		ServiceID:         r.PathValue("service"),
		Account:           r.PathValue("account"),
		Origin:            h.origin(r),
	}
}

func (h *Handler) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(formMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/x-www-form-urlencoded")
		h.log.WarnContext(ctx, "http.authenticate.content_type_unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeJSONError(w, http.StatusBadRequest, "unable to read request body")
		}
		h.log.WarnContext(ctx, "http.authenticate.read_failed", slog.String("err", err.Error()))
		return
	}

	in := h.input(r)
	in.Request = body
	token, err := h.auth.Authenticate(ctx, in)
	if err != nil {
		status := StatusFor(err)
		writeJSONError(w, status, authn.PublicMessage(err))
		h.log.InfoContext(ctx, "http.authenticate.rejected",
			slog.String("webservice", in.WebserviceID()),
			slog.String("kind", authn.KindOf(err).String()),
			slog.Int("status", status),
			slog.Duration("dur", time.Since(start)),
		)
		return
	}

	w.Header().Set("Content-Type", h.tokenContentType(token))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(token)
	h.log.InfoContext(ctx, "http.authenticate.ok", slog.String("webservice", in.WebserviceID()), slog.Duration("dur", time.Since(start)))
}

// tokenContentType labels the factory's opaque token bytes.
func (h *Handler) tokenContentType(token []byte) string {
	switch {
	case h.tokenType != "":
		return h.tokenType
	case json.Valid(token):
		return jsonMediaType.String()
	default:
		return octetMediaType.String()
	}
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	in := h.input(r)
	if err := h.auth.Status(ctx, in); err != nil {
		writeJSONError(w, StatusFor(err), authn.PublicMessage(err))
		h.log.InfoContext(ctx, "http.status.failed", slog.String("webservice", in.WebserviceID()), slog.String("kind", authn.KindOf(err).String()))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// StatusFor maps an authentication error to an HTTP status code.
func StatusFor(err error) int {
	switch authn.KindOf(err) {
	case authn.KindMalformedRequest:
		return http.StatusBadRequest
	case authn.KindAuthenticatorNotEnabled:
		return http.StatusNotFound
	case authn.KindProviderDiscoveryTimeout:
		return http.StatusGatewayTimeout
	case authn.KindProviderDiscoveryFailed, authn.KindCertificateFetchFailed:
		return http.StatusBadGateway
	case authn.KindTokenVerificationFailed, authn.KindSecurityValidationFailed, authn.KindOriginValidationFailed:
		return http.StatusUnauthorized
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusUnauthorized
}

// writeJSONError emits {"error":{"code":<status>,"message":"<msg>"}}.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}
