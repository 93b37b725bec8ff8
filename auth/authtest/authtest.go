// Package authtest provides an in-memory Authenticator for handler tests.
package authtest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ggoodman/pullgate/auth"
)

// Tokens accepts a fixed set of bearer tokens mapped to subjects. A token
// listed in Unscoped authenticates but fails the scope check.
type Tokens struct {
	Subjects map[string]string
	Unscoped map[string]bool
	Scopes   []string
}

var _ auth.Authenticator = (*Tokens)(nil)

func (t *Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	sub, ok := t.Subjects[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	if t.Unscoped[tok] {
		return nil, auth.ErrInsufficientScope
	}
	return user{sub: sub, scope: strings.Join(t.Scopes, " ")}, nil
}

// RequiredScopes reports Scopes so challenges can advertise them.
func (t *Tokens) RequiredScopes() []string { return t.Scopes }

type user struct {
	sub   string
	scope string
}

func (u user) UserID() string { return u.sub }

func (u user) Claims(ref any) error {
	b, err := json.Marshal(map[string]any{"sub": u.sub, "scope": u.scope})
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
