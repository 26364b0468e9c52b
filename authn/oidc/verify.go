package oidc

import (
	"context"
	"log/slog"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/internal/discovery"
	"github.com/ggoodman/authn-oidc-go/internal/jwks"
	"github.com/ggoodman/authn-oidc-go/internal/jwtauth"
	"github.com/ggoodman/authn-oidc-go/internal/logctx"
)

// IdentityVerifier turns a raw identity token into verified claims for the
// given provider.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, provider ProviderSettings, tok *authn.RawIdentityToken) (*authn.VerifiedIdentityClaims, error)
}

// IdentityVerifierFunc adapts a plain function to IdentityVerifier.
type IdentityVerifierFunc func(ctx context.Context, provider ProviderSettings, tok *authn.RawIdentityToken) (*authn.VerifiedIdentityClaims, error)

// VerifyIdentity implements IdentityVerifier.
func (f IdentityVerifierFunc) VerifyIdentity(ctx context.Context, provider ProviderSettings, tok *authn.RawIdentityToken) (*authn.VerifiedIdentityClaims, error) {
	return f(ctx, provider, tok)
}

// providerVerifier discovers the provider, fetches its keys and validates
// the token. A token signed with a key id missing from the cached key set
// causes exactly one forced refresh.
type providerVerifier struct {
	discovery *discovery.Client
	keys      *jwks.Fetcher
	log       *slog.Logger
	now       func() time.Time
}

func (v *providerVerifier) VerifyIdentity(ctx context.Context, provider ProviderSettings, tok *authn.RawIdentityToken) (*authn.VerifiedIdentityClaims, error) {
	md, err := v.metadata(ctx, provider)
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithProviderData(ctx, &logctx.ProviderData{ProviderURI: provider.ProviderURI, Issuer: md.Issuer})

	keys, err := v.keys.Fetch(ctx, md)
	if err != nil {
		return nil, err
	}

	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = md.Issuer
	cfg.Audience = provider.Audience
	cfg.Now = v.now
	if provider.UsernameClaim != "" {
		cfg.UsernameClaim = provider.UsernameClaim
	}
	if len(provider.AllowedAlgs) > 0 {
		cfg.AllowedAlgs = provider.AllowedAlgs
	}
	if provider.Leeway > 0 {
		cfg.Leeway = provider.Leeway
	}

	claims, err := jwtauth.Validate(tok.Token, keys, cfg)
	if err != nil && jwtauth.IsUnknownKeyID(err) {
		v.log.DebugContext(ctx, "oidc.jwks.key_miss", slog.Any("known_kids", keys.KeyIDs()))
		if keys, err = v.keys.Refresh(ctx, md); err != nil {
			return nil, err
		}
		claims, err = jwtauth.Validate(tok.Token, keys, cfg)
	}
	if err != nil {
		v.log.DebugContext(ctx, "oidc.token.rejected", slog.String("reason", string(authn.ReasonOf(err))), slog.String("err", err.Error()))
		return nil, err
	}
	return claims, nil
}

func (v *providerVerifier) metadata(ctx context.Context, provider ProviderSettings) (*discovery.Metadata, error) {
	if provider.static() {
		return provider.staticMetadata(), nil
	}
	return v.discovery.Discover(ctx, provider.ProviderURI)
}

// status checks reachability: discovery, or the key set when discovery is
// bypassed.
func (v *providerVerifier) status(ctx context.Context, provider ProviderSettings) error {
	md, err := v.metadata(ctx, provider)
	if err != nil {
		return err
	}
	if provider.static() {
		_, err = v.keys.Fetch(ctx, md)
	}
	return err
}
