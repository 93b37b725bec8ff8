// Package jwtauth validates bearer JWTs for API plans. Keys come either from
// a configured JWKS URI or from the jwks_uri found by OIDC discovery; both are
// refreshed in the background by keyfunc.
package jwtauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf) and the request should be treated as
// unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientScope indicates the token was valid but did not satisfy the
// required scopes policy.
var ErrInsufficientScope = errors.New("jwtauth: insufficient_scope")

// Config controls validation behavior.
type Config struct {
	Issuer string
	// Audiences accepted in the "aud" claim; any one match suffices. Empty
	// disables the audience check.
	Audiences []string
	// JWKSURI is required unless Discovery is set.
	JWKSURI string
	// Discovery resolves the JWKS location from the issuer's
	// /.well-known/openid-configuration.
	Discovery      bool
	RequiredScopes []string
	ScopeModeAny   bool // if true, any of RequiredScopes is sufficient; else all are required
	AllowedAlgs    []string
	Leeway         time.Duration
	// AccessTokenType requires the RFC 9068 "at+jwt" typ header.
	AccessTokenType bool
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// UserInfo is the validated principal.
type UserInfo interface {
	UserID() string
	Claims(ref any) error
}

type userInfo struct {
	sub    string
	claims map[string]any
}

func (u *userInfo) UserID() string { return u.sub }
func (u *userInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// Validator checks tokens against one Config.
type Validator struct {
	cfg     Config
	issuer  string
	keyfunc jwt.Keyfunc
}

// New builds a Validator, performing discovery and the initial JWKS fetch.
func New(ctx context.Context, cfg *Config) (*Validator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	c := *cfg
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}

	issuer, jwksURI := c.Issuer, c.JWKSURI
	if c.Discovery {
		provider, err := oidc.NewProvider(ctx, c.Issuer)
		if err != nil {
			return nil, fmt.Errorf("oidc discovery failed: %w", err)
		}
		var meta struct {
			Issuer  string `json:"issuer"`
			JwksURI string `json:"jwks_uri"`
		}
		if err := provider.Claims(&meta); err != nil {
			return nil, fmt.Errorf("invalid discovery metadata: %w", err)
		}
		if meta.JwksURI == "" {
			return nil, errors.New("discovery incomplete: missing jwks_uri")
		}
		issuer, jwksURI = meta.Issuer, meta.JwksURI
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &Validator{
		cfg:    c,
		issuer: issuer,
		keyfunc: func(t *jwt.Token) (any, error) {
			if alg := t.Method.Alg(); !slices.Contains(c.AllowedAlgs, alg) {
				return nil, fmt.Errorf("disallowed alg: %s", alg)
			}
			return kf.Keyfunc(t)
		},
	}, nil
}

// RequiredScopes reports the scopes a token must carry.
func (v *Validator) RequiredScopes() []string {
	return append([]string(nil), v.cfg.RequiredScopes...)
}

// CheckAuthentication validates tok and returns its subject and claims.
func (v *Validator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}

	if v.cfg.AccessTokenType {
		if typ, _ := parsed.Header["typ"].(string); typ != "at+jwt" && typ != "application/at+jwt" {
			return nil, fmt.Errorf("%w: invalid typ; want at+jwt", ErrUnauthorized)
		}
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims type")
	}
	if len(v.cfg.Audiences) > 0 && !audIntersects(claims["aud"], v.cfg.Audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	if iatf, ok := claims["iat"].(float64); ok {
		if time.Unix(int64(iatf), 0).After(time.Now().Add(v.cfg.Leeway + 5*time.Minute)) {
			return nil, fmt.Errorf("%w: iat too far in future", ErrUnauthorized)
		}
	}

	if len(v.cfg.RequiredScopes) > 0 {
		scopeStr, _ := claims["scope"].(string)
		have := strings.Fields(scopeStr)
		if v.cfg.ScopeModeAny {
			if !slices.ContainsFunc(v.cfg.RequiredScopes, func(s string) bool { return slices.Contains(have, s) }) {
				return nil, ErrInsufficientScope
			}
		} else {
			for _, want := range v.cfg.RequiredScopes {
				if !slices.Contains(have, want) {
					return nil, fmt.Errorf("%w: missing %s", ErrInsufficientScope, want)
				}
			}
		}
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	switch v := aud.(type) {
	case string:
		return slices.Contains(wants, v)
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}
