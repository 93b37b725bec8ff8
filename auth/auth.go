package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/pullgate/internal/jwtauth"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientScope indicates the caller authenticated but lacks required scope.
var ErrInsufficientScope = errors.New("insufficient scope")

// ErrInvalidPlan is returned by New for unusable plan configuration.
var ErrInvalidPlan = errors.New("auth: invalid plan")

// UserInfo represents an authenticated principal.
type UserInfo interface {
	UserID() string
	// Claims unmarshals the principal's claims into ref.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It should return ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Plan types.
const (
	PlanKeyless = "keyless"
	PlanJWT     = "jwt"
)

// Plan is the security block of an API definition.
type Plan struct {
	Type string     `yaml:"type" json:"type" validate:"omitempty,oneof=keyless jwt" jsonschema:"enum=keyless,enum=jwt,default=keyless"`
	JWT  *JWTConfig `yaml:"jwt,omitempty" json:"jwt,omitempty" validate:"required_if=Type jwt"`
}

// JWTConfig configures a jwt plan.
type JWTConfig struct {
	Issuer    string   `yaml:"issuer" json:"issuer" validate:"required,url"`
	Audiences []string `yaml:"audiences,omitempty" json:"audiences,omitempty"`
	// JWKSURI is required unless Discovery is set.
	JWKSURI   string `yaml:"jwksUri,omitempty" json:"jwksUri,omitempty" validate:"required_without=Discovery"`
	Discovery bool   `yaml:"discovery,omitempty" json:"discovery,omitempty"`
	// RequiredScopes must all be present in the token's scope claim.
	RequiredScopes []string `yaml:"requiredScopes,omitempty" json:"requiredScopes,omitempty"`
	AnyScope       bool     `yaml:"anyScope,omitempty" json:"anyScope,omitempty"`
	AllowedAlgs    []string `yaml:"allowedAlgs,omitempty" json:"allowedAlgs,omitempty"`
	// Leeway is a Go duration string, e.g. "30s".
	Leeway string `yaml:"leeway,omitempty" json:"leeway,omitempty"`
}

// Keyless reports whether the plan skips authentication.
func (p Plan) Keyless() bool { return p.Type == "" || p.Type == PlanKeyless }

// New builds the authenticator of a plan. Keyless plans yield nil.
func New(ctx context.Context, p Plan) (Authenticator, error) {
	if p.Keyless() {
		return nil, nil
	}
	if p.Type != PlanJWT {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidPlan, p.Type)
	}
	if p.JWT == nil {
		return nil, fmt.Errorf("%w: jwt block required", ErrInvalidPlan)
	}
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = p.JWT.Issuer
	cfg.Audiences = append([]string(nil), p.JWT.Audiences...)
	cfg.JWKSURI = p.JWT.JWKSURI
	cfg.Discovery = p.JWT.Discovery
	cfg.RequiredScopes = append([]string(nil), p.JWT.RequiredScopes...)
	cfg.ScopeModeAny = p.JWT.AnyScope
	if len(p.JWT.AllowedAlgs) > 0 {
		cfg.AllowedAlgs = append([]string(nil), p.JWT.AllowedAlgs...)
	}
	if p.JWT.Leeway != "" {
		d, err := time.ParseDuration(p.JWT.Leeway)
		if err != nil {
			return nil, fmt.Errorf("%w: leeway: %w", ErrInvalidPlan, err)
		}
		cfg.Leeway = d
	}
	v, err := jwtauth.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPlan, err)
	}
	return &adapter{v: v}, nil
}

// adapter maps internal sentinel errors to the public ones.
type adapter struct {
	v *jwtauth.Validator
}

func (ad *adapter) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	ui, err := ad.v.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrInsufficientScope) {
			return nil, errors.Join(ErrInsufficientScope, err)
		}
		return nil, errors.Join(ErrUnauthorized, err)
	}
	return ui, nil
}

// RequiredScopes lets challenges advertise the plan's scopes.
func (ad *adapter) RequiredScopes() []string { return ad.v.RequiredScopes() }
