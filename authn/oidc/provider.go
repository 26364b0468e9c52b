package oidc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/internal/discovery"
)

// ProviderSettings is the identity provider configuration of one
// authenticator service.
type ProviderSettings struct {
	// ProviderURI is the discovery root; the discovered issuer must match it.
	ProviderURI string
	// Audience, when set, must be contained in the token's aud claim.
	Audience string
	// UsernameClaim names the claim the session token is issued for.
	// Defaults to "sub".
	UsernameClaim string
	AllowedAlgs   []string
	Leeway        time.Duration

	// JWKSURI, when set, skips discovery: keys are fetched from it directly
	// and tokens must be issued by Issuer (ProviderURI when empty).
	JWKSURI string
	Issuer  string
}

// static reports whether discovery is bypassed.
func (p ProviderSettings) static() bool { return p.JWKSURI != "" }

func (p ProviderSettings) staticMetadata() *discovery.Metadata {
	iss := p.Issuer
	if iss == "" {
		iss = p.ProviderURI
	}
	return &discovery.Metadata{ProviderURI: p.ProviderURI, Issuer: iss, JWKSURI: p.JWKSURI}
}

// ProviderResolver looks up the provider settings for an authentication
// request, typically by service id.
type ProviderResolver interface {
	ResolveProvider(ctx context.Context, in authn.AuthenticatorInput) (ProviderSettings, error)
}

// ProviderResolverFunc adapts a plain function to ProviderResolver.
type ProviderResolverFunc func(ctx context.Context, in authn.AuthenticatorInput) (ProviderSettings, error)

// ResolveProvider implements ProviderResolver.
func (f ProviderResolverFunc) ResolveProvider(ctx context.Context, in authn.AuthenticatorInput) (ProviderSettings, error) {
	return f(ctx, in)
}

// StaticProviders resolves settings from an in-memory table keyed by
// service id, falling back to a default entry.
type StaticProviders struct {
	mu        sync.RWMutex
	def       ProviderSettings
	byService map[string]ProviderSettings
}

// NewStaticProviders returns a resolver whose default entry is def. A zero
// def means requests for unknown services fail.
func NewStaticProviders(def ProviderSettings) *StaticProviders {
	return &StaticProviders{def: def, byService: map[string]ProviderSettings{}}
}

// Set configures the provider of one service.
func (s *StaticProviders) Set(serviceID string, settings ProviderSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byService[serviceID] = settings
}

// ResolveProvider implements ProviderResolver.
func (s *StaticProviders) ResolveProvider(ctx context.Context, in authn.AuthenticatorInput) (ProviderSettings, error) {
	s.mu.RLock()
	settings, ok := s.byService[in.ServiceID]
	s.mu.RUnlock()
	if !ok {
		settings = s.def
	}
	if settings.ProviderURI == "" && !settings.static() {
		return ProviderSettings{}, authn.NewError(authn.KindProviderDiscoveryFailed, in.WebserviceID(), errors.New("no provider uri configured"))
	}
	return settings, nil
}

var _ ProviderResolver = (*StaticProviders)(nil)
