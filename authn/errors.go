package authn

import (
	"errors"
	"fmt"
)

// Kind classifies why an authentication attempt was rejected. The set is
// closed; callers can switch over it exhaustively.
type Kind int

const (
	// KindUnknown is never produced by this module; it is the zero value.
	KindUnknown Kind = iota
	KindAuthenticatorNotEnabled
	KindMalformedRequest
	KindProviderDiscoveryTimeout
	KindProviderDiscoveryFailed
	KindCertificateFetchFailed
	KindTokenVerificationFailed
	KindSecurityValidationFailed
	KindOriginValidationFailed
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticatorNotEnabled:
		return "authenticator_not_enabled"
	case KindMalformedRequest:
		return "malformed_request"
	case KindProviderDiscoveryTimeout:
		return "provider_discovery_timeout"
	case KindProviderDiscoveryFailed:
		return "provider_discovery_failed"
	case KindCertificateFetchFailed:
		return "certificate_fetch_failed"
	case KindTokenVerificationFailed:
		return "token_verification_failed"
	case KindSecurityValidationFailed:
		return "security_validation_failed"
	case KindOriginValidationFailed:
		return "origin_validation_failed"
	default:
		return "unknown"
	}
}

// Sentinels usable with errors.Is. Every *Error matches the sentinel of its
// Kind.
var (
	ErrAuthenticatorNotEnabled  = errors.New("authn: authenticator not enabled")
	ErrMalformedRequest         = errors.New("authn: malformed request")
	ErrProviderDiscoveryTimeout = errors.New("authn: provider discovery timed out")
	ErrProviderDiscoveryFailed  = errors.New("authn: provider discovery failed")
	ErrCertificateFetchFailed   = errors.New("authn: certificate fetch failed")
	ErrTokenVerificationFailed  = errors.New("authn: token verification failed")
	ErrSecurityValidationFailed = errors.New("authn: security validation failed")
	ErrOriginValidationFailed   = errors.New("authn: origin validation failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAuthenticatorNotEnabled:
		return ErrAuthenticatorNotEnabled
	case KindMalformedRequest:
		return ErrMalformedRequest
	case KindProviderDiscoveryTimeout:
		return ErrProviderDiscoveryTimeout
	case KindProviderDiscoveryFailed:
		return ErrProviderDiscoveryFailed
	case KindCertificateFetchFailed:
		return ErrCertificateFetchFailed
	case KindTokenVerificationFailed:
		return ErrTokenVerificationFailed
	case KindSecurityValidationFailed:
		return ErrSecurityValidationFailed
	case KindOriginValidationFailed:
		return ErrOriginValidationFailed
	default:
		return nil
	}
}

// Reason is an internal diagnostic code attached to verification failures.
// It is meant for logs and must not be echoed to the caller.
type Reason string

const (
	ReasonBadSignature     Reason = "bad-signature"
	ReasonUnknownKeyID     Reason = "unknown-key-id"
	ReasonExpired          Reason = "expired"
	ReasonNotYetValid      Reason = "not-yet-valid"
	ReasonMissingUsername  Reason = "missing-username"
	ReasonIssuerMismatch   Reason = "issuer-mismatch"
	ReasonAudienceMismatch Reason = "audience-mismatch"
	ReasonMissingSubject   Reason = "missing-subject"
	ReasonUsernameMismatch Reason = "username-mismatch"
	ReasonMalformed        Reason = "malformed"
	ReasonBadEncryption    Reason = "bad-encryption"
)

// Error is the single error type produced by the authentication pipeline.
// Subject names the thing the failure is about (provider URI, authenticator
// id, field name) and Err carries the underlying cause for diagnostics.
type Error struct {
	Kind    Kind
	Reason  Reason
	Subject string
	Err     error
}

// NewError builds an *Error of the given kind wrapping cause.
func NewError(kind Kind, subject string, cause error) *Error {
	return &Error{Kind: kind, Subject: subject, Err: cause}
}

// Rejected builds a TokenVerificationFailed error carrying reason.
func Rejected(reason Reason, cause error) *Error {
	return &Error{Kind: KindTokenVerificationFailed, Reason: reason, Err: cause}
}

func (e *Error) Error() string {
	msg := e.Kind.sentinel()
	if msg == nil {
		msg = errors.New("authn: unknown failure")
	}
	s := msg.Error()
	if e.Subject != "" {
		s = fmt.Sprintf("%s: %s", s, e.Subject)
	}
	if e.Reason != "" {
		s = fmt.Sprintf("%s (%s)", s, e.Reason)
	}
	if e.Err != nil {
		s = fmt.Sprintf("%s: %v", s, e.Err)
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's Kind.
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// ReasonOf returns the diagnostic reason attached to err, if any.
func ReasonOf(err error) Reason {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// PublicMessage returns the text that may be shown to the caller for err.
// Detail about which check failed is withheld for every kind except the
// ones a caller can fix on their side.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case KindMalformedRequest:
		return "malformed authentication request"
	case KindAuthenticatorNotEnabled:
		return "authenticator not enabled"
	case KindProviderDiscoveryTimeout, KindProviderDiscoveryFailed, KindCertificateFetchFailed:
		return "identity provider unavailable"
	default:
		return "authentication failed"
	}
}
