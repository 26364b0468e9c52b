// Package authn defines the public surface of the OIDC authentication core:
// the per-request AuthenticatorInput, the verified claim set handed to
// policy validators, the TokenFactory that mints session tokens, and the
// closed error taxonomy every stage reports through.
//
// The pipeline itself lives in package authn/oidc. This package only holds
// the types shared between the pipeline, policy implementations and the
// calling layer.
//
// # Errors
//
// Every failure is an *Error carrying a Kind. Use errors.Is with the
// exported sentinels (ErrMalformedRequest, ErrTokenVerificationFailed, ...)
// or KindOf to branch on the kind. Error() keeps the wrapped cause and the
// internal Reason so it can be logged; PublicMessage returns the text that
// is safe to show to the caller:
//
//	tok, err := a.Authenticate(ctx, in)
//	if err != nil {
//	    log.WarnContext(ctx, "authn.failed", slog.String("err", err.Error()))
//	    http.Error(w, authn.PublicMessage(err), http.StatusUnauthorized)
//	    return
//	}
//
// # Configuration
//
// Config is decoded from the environment with ConfigFromEnv. The enabled
// authenticators list is comma separated, with entries of the form
// "authn-oidc" or "authn-oidc/<service-id>".
package authn
