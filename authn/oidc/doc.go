// Package oidc implements an authenticator that exchanges an OpenID Connect
// identity token for a session token minted by an authn.TokenFactory.
//
// An attempt runs a fixed pipeline: the authenticator must be enabled, the
// form encoded request body must carry an identity token, the token must
// verify against the provider's published keys, and the security and
// origin validators must accept the verified identity. Only then is the
// token factory invoked.
//
//	a, err := oidc.New(tokens,
//		oidc.WithProvider(oidc.ProviderSettings{ProviderURI: "https://idp.example.com"}),
//		oidc.WithLogger(logger),
//	)
//	if err != nil {
//		return err
//	}
//	defer a.Close()
//
//	signed, err := a.Authenticate(ctx, authn.AuthenticatorInput{
//		AuthenticatorName: "authn-oidc",
//		ServiceID:         "okta",
//		Account:           "acme",
//		Origin:            r.RemoteAddr,
//		Request:           body,
//	})
//
// Discovery documents and key sets are cached in a storage.Storage shared
// by all attempts. A token signed with a key id missing from the cached key
// set triggers a single forced refresh before the attempt is rejected.
package oidc
