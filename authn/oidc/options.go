package oidc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/authn/policy"
	"github.com/ggoodman/authn-oidc-go/internal/discovery"
	"github.com/ggoodman/authn-oidc-go/internal/jwks"
	"github.com/ggoodman/authn-oidc-go/internal/logctx"
	"github.com/ggoodman/authn-oidc-go/storage"
	"github.com/ggoodman/authn-oidc-go/storage/memory"
	"github.com/ggoodman/authn-oidc-go/storage/redis"
)

// DefaultCacheMaxItems bounds the in-memory cache created when no storage
// is supplied.
const DefaultCacheMaxItems = 1024

// Option configures an Authenticator.
type Option func(*settings)

type settings struct {
	enabled     *authn.EnabledAuthenticators
	providers   ProviderResolver
	verifier    IdentityVerifier
	security    authn.Validator
	origin      authn.Validator
	decrypter   TokenDecrypter
	log         *slog.Logger
	httpClient  *http.Client
	cache       storage.Storage
	ownCache    bool
	cacheItems  int
	metadataTTL time.Duration
	keySetTTL   time.Duration
	httpTimeout time.Duration
	minRefresh  time.Duration
	now         func() time.Time
}

// WithEnabledAuthenticators sets the deployment's enabled authenticator
// list. Without it only "authn-oidc" is enabled.
func WithEnabledAuthenticators(e authn.EnabledAuthenticators) Option {
	return func(s *settings) { s.enabled = &e }
}

// WithProviderResolver selects the identity provider per request.
func WithProviderResolver(r ProviderResolver) Option {
	return func(s *settings) { s.providers = r }
}

// WithProvider is shorthand for a StaticProviders resolver with a single
// default entry.
func WithProvider(p ProviderSettings) Option {
	return WithProviderResolver(NewStaticProviders(p))
}

// WithIdentityVerifier replaces the discovery based token verification.
func WithIdentityVerifier(v IdentityVerifier) Option {
	return func(s *settings) { s.verifier = v }
}

// WithSecurityValidator replaces the default policy.Security validator.
func WithSecurityValidator(v authn.Validator) Option {
	return func(s *settings) { s.security = v }
}

// WithOriginValidator replaces the default allow-all policy.Origin validator.
func WithOriginValidator(v authn.Validator) Option {
	return func(s *settings) { s.origin = v }
}

// WithTokenDecrypter makes the authenticator decrypt the token field before
// verifying it.
func WithTokenDecrypter(d TokenDecrypter) Option {
	return func(s *settings) { s.decrypter = d }
}

// WithLogger sets the logger. Records are decorated with attempt and
// provider data.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHTTPClient sets the HTTP client used for discovery and key set
// requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(s *settings) { s.httpClient = hc }
}

// WithStorage sets the shared cache backend for metadata and key sets. The
// caller keeps ownership of st.
func WithStorage(st storage.Storage) Option {
	return func(s *settings) { s.cache = st; s.ownCache = false }
}

func WithMetadataTTL(d time.Duration) Option {
	return func(s *settings) { s.metadataTTL = d }
}

func WithKeySetTTL(d time.Duration) Option {
	return func(s *settings) { s.keySetTTL = d }
}

func WithHTTPTimeout(d time.Duration) Option {
	return func(s *settings) { s.httpTimeout = d }
}

// WithMinRefreshInterval throttles forced key set refreshes per provider.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(s *settings) { s.minRefresh = d }
}

// WithClock overrides the time source used for caching and claim checks.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

// New constructs an Authenticator minting session tokens with tokens.
func New(tokens authn.TokenFactory, opts ...Option) (*Authenticator, error) {
	if tokens == nil {
		return nil, fmt.Errorf("oidc: token factory is required")
	}
	s := &settings{
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		httpClient:  http.DefaultClient,
		metadataTTL: discovery.DefaultTTL,
		keySetTTL:   jwks.DefaultTTL,
		httpTimeout: discovery.DefaultTimeout,
		minRefresh:  jwks.DefaultMinRefreshInterval,
		cacheItems:  DefaultCacheMaxItems,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	enabled := authn.NewEnabledAuthenticators(DefaultAuthenticatorName)
	if s.enabled != nil {
		enabled = *s.enabled
	}
	log := logctx.Wrap(s.log)

	a := &Authenticator{
		enabled:   enabled,
		providers: s.providers,
		verifier:  s.verifier,
		security:  s.security,
		origin:    s.origin,
		decrypter: s.decrypter,
		tokens:    tokens,
		log:       log,
	}
	if a.providers == nil {
		a.providers = NewStaticProviders(ProviderSettings{})
	}
	if a.security == nil {
		a.security = policy.NewSecurity(enabled, policy.WithSecurityClock(s.now))
	}
	if a.origin == nil {
		a.origin = policy.NewOrigin()
	}

	if s.cache == nil {
		mem, err := memory.New(s.cacheItems, memory.WithClock(s.now))
		if err != nil {
			return nil, fmt.Errorf("oidc: create cache: %w", err)
		}
		s.cache, s.ownCache = mem, true
	}
	if s.ownCache {
		a.closer = s.cache
	}

	a.upstream = &providerVerifier{
		discovery: discovery.New(
			discovery.WithHTTPClient(s.httpClient),
			discovery.WithStorage(s.cache),
			discovery.WithTTL(s.metadataTTL),
			discovery.WithTimeout(s.httpTimeout),
			discovery.WithLogger(log),
			discovery.WithClock(s.now),
		),
		keys: jwks.NewFetcher(
			jwks.WithHTTPClient(s.httpClient),
			jwks.WithStorage(s.cache),
			jwks.WithTTL(s.keySetTTL),
			jwks.WithTimeout(s.httpTimeout),
			jwks.WithMinRefreshInterval(s.minRefresh),
			jwks.WithLogger(log),
			jwks.WithClock(s.now),
		),
		log: log,
		now: s.now,
	}
	if a.verifier == nil {
		a.verifier = a.upstream
	}
	return a, nil
}

// NewFromConfig builds an Authenticator from a decoded Config. A redis cache
// is dialed when cfg.RedisAddr is set and closed by Authenticator.Close.
// opts are applied after the config derived options.
func NewFromConfig(ctx context.Context, cfg authn.Config, tokens authn.TokenFactory, opts ...Option) (*Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	base := []Option{
		WithEnabledAuthenticators(cfg.EnabledAuthenticators()),
		WithProvider(ProviderSettings{
			ProviderURI:   cfg.ProviderURI,
			Audience:      cfg.Audience,
			UsernameClaim: cfg.UsernameClaim,
			AllowedAlgs:   cfg.AllowedAlgs,
			Leeway:        cfg.Leeway,
			JWKSURI:       cfg.JWKSURI,
			Issuer:        cfg.Issuer,
		}),
		WithMetadataTTL(cfg.MetadataTTL),
		WithKeySetTTL(cfg.KeySetTTL),
		WithHTTPTimeout(cfg.HTTPTimeout),
		WithMinRefreshInterval(cfg.MinRefreshInterval),
	}

	if cfg.CacheMaxItems > 0 {
		// The memory cache itself is built by New so it shares the clock.
		base = append(base, func(s *settings) { s.cacheItems = cfg.CacheMaxItems })
	}

	var cache storage.Storage
	if cfg.RedisAddr != "" {
		rs, err := redis.Dial(ctx, cfg.RedisAddr, cfg.CacheKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("oidc: dial redis cache: %w", err)
		}
		cache = rs
		base = append(base, func(s *settings) { s.cache = rs; s.ownCache = true })
	}

	a, err := New(tokens, append(base, opts...)...)
	if cache != nil && (err != nil || a.closer != cache) {
		// Failed, or replaced by a caller supplied WithStorage.
		_ = cache.Close()
	}
	return a, err
}
