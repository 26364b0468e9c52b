package authn

import (
	"errors"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the deployment level configuration of the OIDC authentication
// core. Defaults are provided via struct tags and can be loaded with
// ConfigFromEnv.
type Config struct {
	// Authenticators is the comma separated enabled list. ENV: AUTHENTICATORS
	Authenticators string `env:"AUTHENTICATORS,default=authn-oidc"`

	// ProviderURI is the discovery root of the identity provider used when no
	// per-service resolver is configured. ENV: OIDC_PROVIDER_URI
	ProviderURI string `env:"OIDC_PROVIDER_URI"`
	// Audience, when set, must be present in the token's aud claim.
	Audience      string   `env:"OIDC_AUDIENCE"`
	UsernameClaim string   `env:"OIDC_USERNAME_CLAIM,default=sub"`
	AllowedAlgs   []string `env:"OIDC_ALLOWED_ALGS,default=RS256"`
	// JWKSURI bypasses discovery when set; tokens must then be issued by
	// Issuer, or ProviderURI when Issuer is empty.
	JWKSURI string `env:"OIDC_JWKS_URI"`
	Issuer  string `env:"OIDC_ISSUER"`

	Leeway             time.Duration `env:"OIDC_LEEWAY,default=30s"`
	HTTPTimeout        time.Duration `env:"OIDC_HTTP_TIMEOUT,default=10s"`
	MetadataTTL        time.Duration `env:"OIDC_METADATA_TTL,default=10m"`
	KeySetTTL          time.Duration `env:"OIDC_KEYSET_TTL,default=10m"`
	MinRefreshInterval time.Duration `env:"OIDC_MIN_REFRESH_INTERVAL,default=5s"`

	// RedisAddr selects the shared redis cache when non-empty. ENV: REDIS_ADDR
	RedisAddr      string `env:"REDIS_ADDR"`
	CacheKeyPrefix string `env:"CACHE_KEY_PREFIX,default=authn-oidc:cache:"`
	// CacheMaxItems bounds the in-memory cache.
	CacheMaxItems int `env:"CACHE_MAX_ITEMS,default=1024"`
}

// ConfigFromEnv decodes a Config from the process environment.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks the invariants the rest of the module relies on.
func (c Config) Validate() error {
	if c.HTTPTimeout < 0 || c.MetadataTTL < 0 || c.KeySetTTL < 0 || c.MinRefreshInterval < 0 {
		return errors.New("config: durations must not be negative")
	}
	if c.UsernameClaim == "" {
		return errors.New("config: username claim required")
	}
	for _, alg := range c.AllowedAlgs {
		if alg == "none" {
			return errors.New("config: alg none is never allowed")
		}
	}
	return nil
}

// EnabledAuthenticators parses the Authenticators list.
func (c Config) EnabledAuthenticators() EnabledAuthenticators {
	return ParseEnabledAuthenticators(c.Authenticators)
}
