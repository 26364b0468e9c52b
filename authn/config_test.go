package authn

import (
	"testing"
	"time"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.Authenticators != "authn-oidc" || cfg.UsernameClaim != "sub" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if len(cfg.AllowedAlgs) != 1 || cfg.AllowedAlgs[0] != "RS256" {
		t.Fatalf("algs = %v", cfg.AllowedAlgs)
	}
	if cfg.MetadataTTL != 10*time.Minute || cfg.KeySetTTL != 10*time.Minute || cfg.MinRefreshInterval != 5*time.Second {
		t.Fatalf("unexpected cache defaults: %+v", cfg)
	}
	if cfg.CacheMaxItems != 1024 || cfg.CacheKeyPrefix != "authn-oidc:cache:" {
		t.Fatalf("unexpected storage defaults: %+v", cfg)
	}
}

func TestConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("AUTHENTICATORS", "authn-oidc/okta,authn-oidc/keycloak")
	t.Setenv("OIDC_PROVIDER_URI", "https://idp.example.com")
	t.Setenv("OIDC_ALLOWED_ALGS", "RS256;ES256")
	t.Setenv("OIDC_METADATA_TTL", "0s")
	t.Setenv("REDIS_ADDR", "127.0.0.1:6379")

	cfg, err := ConfigFromEnv()
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if cfg.ProviderURI != "https://idp.example.com" || cfg.RedisAddr != "127.0.0.1:6379" {
		t.Fatalf("overrides lost: %+v", cfg)
	}
	if len(cfg.AllowedAlgs) != 2 || cfg.AllowedAlgs[1] != "ES256" {
		t.Fatalf("algs = %v", cfg.AllowedAlgs)
	}
	if cfg.MetadataTTL != 0 {
		t.Fatalf("metadata ttl = %v", cfg.MetadataTTL)
	}
	if !cfg.EnabledAuthenticators().Enabled("authn-oidc", "keycloak") {
		t.Fatalf("enabled list not parsed: %v", cfg.EnabledAuthenticators())
	}
}

func TestConfig_Validate(t *testing.T) {
	base := Config{UsernameClaim: "sub", AllowedAlgs: []string{"RS256"}}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	noClaim := base
	noClaim.UsernameClaim = ""
	if noClaim.Validate() == nil {
		t.Error("empty username claim accepted")
	}

	none := base
	none.AllowedAlgs = []string{"none"}
	if none.Validate() == nil {
		t.Error("alg none accepted")
	}

	negative := base
	negative.KeySetTTL = -time.Second
	if negative.Validate() == nil {
		t.Error("negative duration accepted")
	}
}
