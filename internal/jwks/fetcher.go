// Package jwks retrieves and caches the signing keys an identity provider
// publishes at its jwks_uri.
package jwks

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/internal/discovery"
	"github.com/ggoodman/authn-oidc-go/storage"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	DefaultTTL                = 10 * time.Minute
	DefaultTimeout            = 10 * time.Second
	DefaultMinRefreshInterval = 5 * time.Second

	maxDocumentSize = 1 << 20
)

// Fetcher retrieves key sets. It is safe for concurrent use.
type Fetcher struct {
	httpClient *http.Client
	cache      storage.Storage
	ttl        time.Duration
	timeout    time.Duration
	minRefresh time.Duration
	log        *slog.Logger
	now        func() time.Time

	group    singleflight.Group
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the HTTP client used for JWKS requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(f *Fetcher) {
		if hc != nil {
			f.httpClient = hc
		}
	}
}

// WithStorage sets the cache backend. Without it every Fetch goes to the
// network.
func WithStorage(s storage.Storage) Option {
	return func(f *Fetcher) { f.cache = s }
}

// WithTTL sets how long a key set is served from cache.
func WithTTL(ttl time.Duration) Option {
	return func(f *Fetcher) { f.ttl = ttl }
}

// WithTimeout bounds each JWKS request.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.timeout = d }
}

// WithMinRefreshInterval limits forced refreshes per jwks_uri. Zero
// disables the limit.
func WithMinRefreshInterval(d time.Duration) Option {
	return func(f *Fetcher) { f.minRefresh = d }
}

// WithLogger sets the logger for debug events.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.log = l
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) { f.now = now }
}

// NewFetcher constructs a Fetcher.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: http.DefaultClient,
		ttl:        DefaultTTL,
		timeout:    DefaultTimeout,
		minRefresh: DefaultMinRefreshInterval,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:        time.Now,
		limiters:   make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the key set advertised by md, from cache when possible.
// Failures are *authn.Error of kind CertificateFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, md *discovery.Metadata) (*KeySet, error) {
	if md == nil || md.JWKSURI == "" {
		return nil, authn.NewError(authn.KindCertificateFetchFailed, "", errors.New("jwks_uri is required"))
	}
	if set := f.cached(ctx, md.JWKSURI); set != nil {
		return set, nil
	}
	return f.load(ctx, md.JWKSURI)
}

// Refresh bypasses the cache and downloads the key set again. Refreshes for
// the same jwks_uri are coalesced and rate limited; a refresh denied by the
// limiter returns the current set unchanged.
func (f *Fetcher) Refresh(ctx context.Context, md *discovery.Metadata) (*KeySet, error) {
	if md == nil || md.JWKSURI == "" {
		return nil, authn.NewError(authn.KindCertificateFetchFailed, "", errors.New("jwks_uri is required"))
	}
	if !f.limiter(md.JWKSURI).Allow() {
		f.log.DebugContext(ctx, "oidc.jwks.refresh_throttled", slog.String("jwks_uri", md.JWKSURI))
		return f.Fetch(ctx, md)
	}
	f.log.DebugContext(ctx, "oidc.jwks.refresh", slog.String("jwks_uri", md.JWKSURI))
	return f.load(ctx, md.JWKSURI)
}

func (f *Fetcher) limiter(uri string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.limiters[uri]
	if !ok {
		limit := rate.Inf
		if f.minRefresh > 0 {
			limit = rate.Every(f.minRefresh)
		}
		l = rate.NewLimiter(limit, 1)
		f.limiters[uri] = l
	}
	return l
}

func (f *Fetcher) cached(ctx context.Context, uri string) *KeySet {
	if f.cache == nil || f.ttl <= 0 {
		return nil
	}
	item, err := f.cache.Get(ctx, uri, storage.WithNamespace(storage.KeySetNamespace))
	if err != nil {
		f.log.WarnContext(ctx, "oidc.jwks.cache_read_failed", slog.String("jwks_uri", uri), slog.String("err", err.Error()))
		return nil
	}
	if item == nil || item.IsExpired(f.now()) {
		return nil
	}
	set, err := Parse(uri, item.Data, item.CreatedAt)
	if err != nil {
		return nil
	}
	return set
}

func (f *Fetcher) load(ctx context.Context, uri string) (*KeySet, error) {
	// Detached from the caller so one cancelled attempt cannot fail the
	// others sharing this download; f.timeout bounds it.
	downloadCtx := context.WithoutCancel(ctx)
	ch := f.group.DoChan(uri, func() (any, error) {
		return f.download(downloadCtx, uri)
	})
	select {
	case <-ctx.Done():
		return nil, authn.NewError(authn.KindCertificateFetchFailed, uri, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*KeySet), nil
	}
}

func (f *Fetcher) download(ctx context.Context, uri string) (*KeySet, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, authn.NewError(authn.KindCertificateFetchFailed, uri, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, authn.NewError(authn.KindCertificateFetchFailed, uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, authn.NewError(authn.KindCertificateFetchFailed, uri, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, authn.NewError(authn.KindCertificateFetchFailed, uri, err)
	}

	now := f.now()
	set, err := Parse(uri, body, now)
	if err != nil {
		return nil, authn.NewError(authn.KindCertificateFetchFailed, uri, err)
	}
	f.log.DebugContext(ctx, "oidc.jwks.fetched", slog.String("jwks_uri", uri), slog.Int("keys", set.Len()))

	if f.cache != nil && f.ttl > 0 {
		if err := f.cache.Set(ctx, uri, body, storage.WithNamespace(storage.KeySetNamespace), storage.WithTTL(f.ttl)); err != nil {
			f.log.WarnContext(ctx, "oidc.jwks.cache_write_failed", slog.String("jwks_uri", uri), slog.String("err", err.Error()))
		}
	}
	return set, nil
}
