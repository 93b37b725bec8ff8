// Package auth implements the optional per-API plan security of the gateway.
//
// A plan is either keyless (no credentials checked) or jwt. A jwt plan
// validates the bearer token in the Authorization header against an issuer,
// accepted audiences and the issuer's keys, fetched from a configured JWKS
// URI or located through OpenID Connect discovery.
//
// Example:
//
//	plan := auth.Plan{Type: auth.PlanJWT, JWT: &auth.JWTConfig{
//	    Issuer:         "https://issuer.example",
//	    Audiences:      []string{"https://gateway.example/orders"},
//	    Discovery:      true,
//	    RequiredScopes: []string{"orders:read"},
//	}}
//	authn, err := auth.New(ctx, plan)
//	if err != nil { log.Fatal(err) }
//
//	// Inside request handling:
//	ui, ch := auth.Check(r.Context(), authn, r, "orders", logger)
//	if ch != nil { ch.Write(w); return } // or ch.SetHeader and render a body
//	clientID := ui.UserID()
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s). Check maps both, plus missing and malformed headers, to
// a Challenge carrying the HTTP status and WWW-Authenticate value.
package auth
