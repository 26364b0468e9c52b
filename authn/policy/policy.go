// Package policy provides the stock security and origin validators run by
// the OIDC authenticator after an identity token has been verified.
package policy

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
)

// Security checks that the webservice the request targets is enabled, that
// the request names an account, and optionally that the identity token is
// fresh enough.
type Security struct {
	enabled     authn.EnabledAuthenticators
	maxTokenAge time.Duration
	now         func() time.Time
}

// SecurityOption configures Security.
type SecurityOption func(*Security)

// WithMaxTokenAge rejects tokens whose iat is older than d. Zero disables
// the check.
func WithMaxTokenAge(d time.Duration) SecurityOption {
	return func(s *Security) { s.maxTokenAge = d }
}

// WithSecurityClock overrides the time source.
func WithSecurityClock(now func() time.Time) SecurityOption {
	return func(s *Security) { s.now = now }
}

// NewSecurity returns a Security validator for the given enabled set.
func NewSecurity(enabled authn.EnabledAuthenticators, opts ...SecurityOption) *Security {
	s := &Security{enabled: enabled, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate implements authn.Validator.
func (s *Security) Validate(ctx context.Context, in authn.AuthenticatorInput, claims *authn.VerifiedIdentityClaims) error {
	if !s.enabled.Enabled(in.AuthenticatorName, in.ServiceID) {
		return authn.NewError(authn.KindSecurityValidationFailed, in.WebserviceID(), errors.New("webservice not enabled"))
	}
	if in.Account == "" {
		return authn.NewError(authn.KindSecurityValidationFailed, in.WebserviceID(), errors.New("account is required"))
	}
	if claims == nil {
		return authn.NewError(authn.KindSecurityValidationFailed, in.WebserviceID(), errors.New("no verified claims"))
	}
	if s.maxTokenAge > 0 {
		if claims.IssuedAt.IsZero() {
			return authn.NewError(authn.KindSecurityValidationFailed, in.WebserviceID(), errors.New("token has no iat"))
		}
		if age := s.now().Sub(claims.IssuedAt); age > s.maxTokenAge {
			return authn.NewError(authn.KindSecurityValidationFailed, in.WebserviceID(), fmt.Errorf("token age %s exceeds %s", age.Round(time.Second), s.maxTokenAge))
		}
	}
	return nil
}

// Origin restricts the network addresses a user may authenticate from.
// Restrictions are looked up by "account:username" first, then by account.
// A principal without restrictions may authenticate from anywhere.
type Origin struct {
	rules map[string][]netip.Prefix
}

// NewOrigin returns an Origin validator without restrictions.
func NewOrigin() *Origin {
	return &Origin{rules: map[string][]netip.Prefix{}}
}

// Restrict limits subject ("account" or "account:username") to the given
// CIDR ranges or single addresses.
func (o *Origin) Restrict(subject string, cidrs ...string) error {
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		var p netip.Prefix
		var err error
		if strings.Contains(c, "/") {
			p, err = netip.ParsePrefix(c)
		} else {
			var a netip.Addr
			a, err = netip.ParseAddr(c)
			p = netip.PrefixFrom(a, a.BitLen())
		}
		if err != nil {
			return fmt.Errorf("policy: invalid origin %q: %w", c, err)
		}
		o.rules[subject] = append(o.rules[subject], p.Masked())
	}
	return nil
}

// Validate implements authn.Validator.
func (o *Origin) Validate(ctx context.Context, in authn.AuthenticatorInput, claims *authn.VerifiedIdentityClaims) error {
	var rules []netip.Prefix
	if claims != nil {
		rules = o.rules[in.Account+":"+claims.Username]
	}
	if len(rules) == 0 {
		rules = o.rules[in.Account]
	}
	if len(rules) == 0 {
		return nil
	}

	addr, err := parseOrigin(in.Origin)
	if err != nil {
		return authn.NewError(authn.KindOriginValidationFailed, in.Origin, err)
	}
	for _, p := range rules {
		if p.Contains(addr) {
			return nil
		}
	}
	return authn.NewError(authn.KindOriginValidationFailed, in.Origin, errors.New("origin not allowed"))
}

// parseOrigin accepts a bare address or host:port.
func parseOrigin(s string) (netip.Addr, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid origin %q", s)
	}
	return a.Unmap(), nil
}

// Chain runs validators in order and stops at the first error.
type Chain []authn.Validator

// Validate implements authn.Validator.
func (c Chain) Validate(ctx context.Context, in authn.AuthenticatorInput, claims *authn.VerifiedIdentityClaims) error {
	for _, v := range c {
		if err := v.Validate(ctx, in, claims); err != nil {
			return err
		}
	}
	return nil
}

var (
	_ authn.Validator = (*Security)(nil)
	_ authn.Validator = (*Origin)(nil)
	_ authn.Validator = Chain(nil)
)
