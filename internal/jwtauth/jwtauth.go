// Package jwtauth verifies OIDC identity tokens against a known key set.
// Validate performs no I/O: for a fixed key set and clock its result is
// deterministic.
package jwtauth

import (
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/authn-oidc-go/authn"
	"github.com/ggoodman/authn-oidc-go/internal/jwks"
	"github.com/golang-jwt/jwt/v5"
)

// Config controls validation of identity tokens.
type Config struct {
	// Issuer is the expected iss claim, normally the discovered issuer.
	Issuer string
	// Audience, when non-empty, must be contained in the aud claim.
	Audience    string
	AllowedAlgs []string
	Leeway      time.Duration
	// UsernameClaim names the claim holding the identity the session token
	// is issued for.
	UsernameClaim string
	// Now is the verification clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:   []string{"RS256"},
		Leeway:        30 * time.Second,
		UsernameClaim: "sub",
	}
}

// State is the position of a token in the verification state machine.
type State int

const (
	StateExtracted State = iota
	StateSignatureChecked
	StateClaimsChecked
	StateVerified
)

func (s State) String() string {
	switch s {
	case StateExtracted:
		return "extracted"
	case StateSignatureChecked:
		return "signature_checked"
	case StateClaimsChecked:
		return "claims_checked"
	case StateVerified:
		return "verified"
	default:
		return "unknown"
	}
}

// Rejection is the cause wrapped in the *authn.Error returned when a token
// is rejected. It records the last state the token reached.
type Rejection struct {
	State State
	Err   error
}

func (r *Rejection) Error() string { return fmt.Sprintf("rejected after %s: %v", r.State, r.Err) }
func (r *Rejection) Unwrap() error { return r.Err }

// IsUnknownKeyID reports whether err was caused by a key id that is missing
// from the key set. Callers may refresh the key set once and retry.
func IsUnknownKeyID(err error) bool { return errors.Is(err, jwks.ErrUnknownKeyID) }

// Validate checks the signature of raw against keys and then the standard
// claims. Any failure is an *authn.Error of kind TokenVerificationFailed
// with a diagnostic reason.
func Validate(raw string, keys *jwks.KeySet, cfg *Config) (*authn.VerifiedIdentityClaims, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if raw == "" {
		return nil, reject(authn.ReasonMalformed, StateExtracted, errors.New("empty token"))
	}
	if keys == nil {
		return nil, reject(authn.ReasonBadSignature, StateExtracted, errors.New("no key set"))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = []string{"RS256"}
	}

	// Extracted -> SignatureChecked
	parser := jwt.NewParser(jwt.WithValidMethods(algs), jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(raw, claims, keys.Keyfunc); err != nil {
		return nil, reject(signatureReason(err), StateExtracted, err)
	}

	// SignatureChecked -> ClaimsChecked
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(now),
		jwt.WithIssuedAt(),
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	if cfg.Issuer == "" {
		return nil, reject(authn.ReasonIssuerMismatch, StateSignatureChecked, errors.New("no expected issuer configured"))
	}
	if err := jwt.NewValidator(opts...).Validate(claims); err != nil {
		return nil, reject(claimsReason(err), StateSignatureChecked, err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, reject(authn.ReasonMissingSubject, StateSignatureChecked, errors.New("missing sub"))
	}
	usernameClaim := cfg.UsernameClaim
	if usernameClaim == "" {
		usernameClaim = "sub"
	}
	username, _ := claims[usernameClaim].(string)
	if username == "" {
		return nil, reject(authn.ReasonMissingUsername, StateSignatureChecked, fmt.Errorf("missing %s", usernameClaim))
	}

	// ClaimsChecked -> Verified
	out := authn.VerifiedIdentityClaims{
		Issuer:   cfg.Issuer,
		Subject:  sub,
		Username: username,
	}
	if aud, err := claims.GetAudience(); err == nil {
		out.Audience = append([]string(nil), aud...)
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	return authn.NewVerifiedIdentityClaims(out, claims), nil
}

func reject(reason authn.Reason, state State, err error) error {
	return authn.Rejected(reason, &Rejection{State: state, Err: err})
}

func signatureReason(err error) authn.Reason {
	switch {
	case errors.Is(err, jwks.ErrUnknownKeyID):
		return authn.ReasonUnknownKeyID
	case errors.Is(err, jwt.ErrTokenMalformed):
		return authn.ReasonMalformed
	default:
		return authn.ReasonBadSignature
	}
}

func claimsReason(err error) authn.Reason {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return authn.ReasonExpired
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return authn.ReasonIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return authn.ReasonAudienceMismatch
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return authn.ReasonNotYetValid
	default:
		return authn.ReasonMalformed
	}
}
