// Package discovery resolves an identity provider's discovery root to its
// OpenID Connect metadata and caches the result per provider.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/storage"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTimeout bounds a single discovery fetch.
	DefaultTimeout = 10 * time.Second
	// DefaultTTL is how long a discovery document is served from cache.
	DefaultTTL = 10 * time.Minute
)

// Metadata is the subset of the provider's discovery document this module
// relies on.
type Metadata struct {
	// ProviderURI is the discovery root the document was fetched from.
	ProviderURI           string    `json:"provider_uri"`
	Issuer                string    `json:"issuer"`
	AuthorizationEndpoint string    `json:"authorization_endpoint,omitempty"`
	TokenEndpoint         string    `json:"token_endpoint,omitempty"`
	UserinfoEndpoint      string    `json:"userinfo_endpoint,omitempty"`
	JWKSURI               string    `json:"jwks_uri"`
	IDTokenSigningAlgs    []string  `json:"id_token_signing_alg_values_supported,omitempty"`
	FetchedAt             time.Time `json:"fetched_at"`
}

// Client performs discovery. It is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	cache      storage.Storage
	ttl        time.Duration
	timeout    time.Duration
	log        *slog.Logger
	now        func() time.Time

	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client used for discovery requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithStorage sets the cache backend. Without it results are not cached.
func WithStorage(s storage.Storage) Option {
	return func(c *Client) { c.cache = s }
}

// WithTTL sets how long metadata is served from cache. Zero disables
// caching.
func WithTTL(ttl time.Duration) Option {
	return func(c *Client) { c.ttl = ttl }
}

// WithTimeout bounds each discovery fetch. Zero means no bound beyond the
// caller's context.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger for debug events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// New constructs a discovery Client.
func New(opts ...Option) *Client {
	c := &Client{
		httpClient: http.DefaultClient,
		ttl:        DefaultTTL,
		timeout:    DefaultTimeout,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Discover returns the metadata for providerURI, from cache when a fresh
// entry exists. Failures are *authn.Error of kind ProviderDiscoveryTimeout
// or ProviderDiscoveryFailed.
func (c *Client) Discover(ctx context.Context, providerURI string) (*Metadata, error) {
	if providerURI == "" {
		return nil, authn.NewError(authn.KindProviderDiscoveryFailed, "", errors.New("provider uri is required"))
	}
	c.log.DebugContext(ctx, "oidc.discovery.provider_uri", slog.String("provider_uri", providerURI))

	if md := c.cached(ctx, providerURI); md != nil {
		c.log.DebugContext(ctx, "oidc.discovery.succeeded", slog.String("provider_uri", providerURI), slog.Bool("cached", true))
		return md, nil
	}

	// The shared fetch outlives any single waiter; it is bounded by c.timeout
	// and each waiter still stops on its own ctx below.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(providerURI, func() (any, error) {
		return c.fetch(fetchCtx, providerURI)
	})
	select {
	case <-ctx.Done():
		return nil, classify(providerURI, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		c.log.DebugContext(ctx, "oidc.discovery.succeeded", slog.String("provider_uri", providerURI), slog.Bool("cached", false))
		md := *res.Val.(*Metadata)
		return &md, nil
	}
}

// Invalidate drops the cached metadata for providerURI.
func (c *Client) Invalidate(ctx context.Context, providerURI string) error {
	if c.cache == nil {
		return nil
	}
	return c.cache.Delete(ctx, storage.WithNamespace(storage.MetadataNamespace), storage.WithKey(providerURI))
}

func (c *Client) cached(ctx context.Context, providerURI string) *Metadata {
	if c.cache == nil || c.ttl <= 0 {
		return nil
	}
	item, err := c.cache.Get(ctx, providerURI, storage.WithNamespace(storage.MetadataNamespace))
	if err != nil {
		c.log.WarnContext(ctx, "oidc.discovery.cache_read_failed", slog.String("provider_uri", providerURI), slog.String("err", err.Error()))
		return nil
	}
	if item == nil || item.IsExpired(c.now()) {
		return nil
	}
	var md Metadata
	if err := json.Unmarshal(item.Data, &md); err != nil {
		return nil
	}
	return &md
}

func (c *Client) fetch(ctx context.Context, providerURI string) (*Metadata, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, c.httpClient), providerURI)
	if err != nil {
		return nil, classify(providerURI, err)
	}

	var doc struct {
		Issuer             string   `json:"issuer"`
		JwksURI            string   `json:"jwks_uri"`
		Authorization      string   `json:"authorization_endpoint"`
		Token              string   `json:"token_endpoint"`
		Userinfo           string   `json:"userinfo_endpoint"`
		IDTokenSigningAlgs []string `json:"id_token_signing_alg_values_supported"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, classify(providerURI, fmt.Errorf("invalid discovery metadata: %w", err))
	}
	if doc.JwksURI == "" {
		return nil, classify(providerURI, errors.New("discovery incomplete: missing jwks_uri"))
	}

	md := &Metadata{
		ProviderURI:           providerURI,
		Issuer:                doc.Issuer,
		AuthorizationEndpoint: doc.Authorization,
		TokenEndpoint:         doc.Token,
		UserinfoEndpoint:      doc.Userinfo,
		JWKSURI:               doc.JwksURI,
		IDTokenSigningAlgs:    append([]string(nil), doc.IDTokenSigningAlgs...),
		FetchedAt:             c.now(),
	}

	if c.cache != nil && c.ttl > 0 {
		if b, err := json.Marshal(md); err == nil {
			if err := c.cache.Set(ctx, providerURI, b, storage.WithNamespace(storage.MetadataNamespace), storage.WithTTL(c.ttl)); err != nil {
				c.log.WarnContext(ctx, "oidc.discovery.cache_write_failed", slog.String("provider_uri", providerURI), slog.String("err", err.Error()))
			}
		}
	}
	return md, nil
}

func classify(providerURI string, err error) error {
	if IsTimeout(err) {
		return authn.NewError(authn.KindProviderDiscoveryTimeout, providerURI, err)
	}
	return authn.NewError(authn.KindProviderDiscoveryFailed, providerURI, err)
}

// IsTimeout reports whether err was caused by a deadline or a transport
// timeout.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
