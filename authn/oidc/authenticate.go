package oidc

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/internal/logctx"
	"github.com/google/uuid"
)

// DefaultAuthenticatorName is the name this authenticator is enabled under.
const DefaultAuthenticatorName = "authn-oidc"

// Authenticator exchanges OIDC identity tokens for session tokens. It is
// safe for concurrent use; attempts share only the metadata and key set
// caches.
type Authenticator struct {
	enabled   authn.EnabledAuthenticators
	providers ProviderResolver
	verifier  IdentityVerifier
	security  authn.Validator
	origin    authn.Validator
	decrypter TokenDecrypter
	tokens    authn.TokenFactory
	upstream  *providerVerifier
	log       *slog.Logger
	closer    io.Closer
}

// Authenticate runs one authentication attempt and returns the signed
// session token. A token is returned only when extraction, verification,
// the security validator and the origin validator all succeed, in that
// order. Errors from the pipeline are *authn.Error; errors from injected
// collaborators are returned as they are.
func (a *Authenticator) Authenticate(ctx context.Context, in authn.AuthenticatorInput) ([]byte, error) {
	ctx = logctx.WithAttemptData(ctx, &logctx.AttemptData{
		AttemptID:     uuid.NewString(),
		Authenticator: in.AuthenticatorName,
		ServiceID:     in.ServiceID,
		Account:       in.Account,
		Origin:        in.Origin,
	})

	tok, err := a.authenticate(ctx, in)
	if err != nil {
		a.log.DebugContext(ctx, "oidc.authenticate.failed",
			slog.String("kind", authn.KindOf(err).String()),
			slog.String("reason", string(authn.ReasonOf(err))),
			slog.String("err", err.Error()),
		)
		return nil, err
	}
	a.log.DebugContext(ctx, "oidc.authenticate.succeeded")
	return tok, nil
}

func (a *Authenticator) authenticate(ctx context.Context, in authn.AuthenticatorInput) ([]byte, error) {
	if !a.enabled.Enabled(in.AuthenticatorName, in.ServiceID) {
		return nil, authn.NewError(authn.KindAuthenticatorNotEnabled, in.WebserviceID(), nil)
	}

	raw, err := ExtractToken(in.Request)
	if err != nil {
		return nil, err
	}
	if a.decrypter != nil {
		plain, err := a.decrypter.DecryptToken(ctx, raw.Token)
		if err != nil {
			return nil, err
		}
		raw.Token = plain
	}

	provider, err := a.providers.ResolveProvider(ctx, in)
	if err != nil {
		return nil, err
	}

	claims, err := a.verifier.VerifyIdentity(ctx, provider, raw)
	if err != nil {
		return nil, err
	}
	if raw.ClaimedUsername != "" && claims.Username != "" && raw.ClaimedUsername != claims.Username {
		return nil, authn.Rejected(authn.ReasonUsernameMismatch, errors.New("claimed username does not match token"))
	}

	if err := a.security.Validate(ctx, in, claims); err != nil {
		return nil, err
	}
	if err := a.origin.Validate(ctx, in, claims); err != nil {
		return nil, err
	}

	// Nothing is issued once the attempt has been abandoned.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	signed, err := a.tokens.SignedToken(ctx, authn.TokenRequest{
		Account:  in.Account,
		Username: claims.Username,
		Claims:   claims,
	})
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return signed, nil
}

// Status checks that the authenticator is enabled for in and that its
// identity provider can be discovered, or its key set fetched when
// discovery is bypassed. The request body is ignored.
func (a *Authenticator) Status(ctx context.Context, in authn.AuthenticatorInput) error {
	if !a.enabled.Enabled(in.AuthenticatorName, in.ServiceID) {
		return authn.NewError(authn.KindAuthenticatorNotEnabled, in.WebserviceID(), nil)
	}
	provider, err := a.providers.ResolveProvider(ctx, in)
	if err != nil {
		return err
	}
	return a.upstream.status(ctx, provider)
}

// Close releases the cache created by New or NewFromConfig. Caches passed
// in with WithStorage are left open.
func (a *Authenticator) Close() error {
	if a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
