package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Challenge is an authentication failure ready to be written: the HTTP
// status and the WWW-Authenticate value.
type Challenge struct {
	Status          int
	WWWAuthenticate string
	Err             error
}

// SetHeader adds the WWW-Authenticate value, if any, to h.
func (c *Challenge) SetHeader(h http.Header) {
	if c.WWWAuthenticate != "" {
		h.Add("WWW-Authenticate", c.WWWAuthenticate)
	}
}

// Message is the client-facing text for the challenge status.
func (c *Challenge) Message() string { return http.StatusText(c.Status) }

// Write sets the challenge header and status. Callers that need a body use
// SetHeader and write the response themselves.
func (c *Challenge) Write(w http.ResponseWriter) {
	c.SetHeader(w.Header())
	w.WriteHeader(c.Status)
}

func (c *Challenge) Error() string {
	if c.Err == nil {
		return http.StatusText(c.Status)
	}
	return c.Err.Error()
}

func (c *Challenge) Unwrap() error { return c.Err }

// BearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="...", scope="..."
//
// Empty values are omitted.
func BearerChallenge(realm, errCode, description string, scopes []string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace
	var pieces []string
	add := func(k, v string) {
		if v != "" {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	add("realm", realm)
	add("error", errCode)
	add("error_description", description)
	add("scope", strings.Join(scopes, " "))
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

type scoped interface{ RequiredScopes() []string }

// Check authenticates r with a. A nil Authenticator admits every request
// with a nil UserInfo.
func Check(ctx context.Context, a Authenticator, r *http.Request, realm string, log *slog.Logger) (UserInfo, *Challenge) {
	if a == nil {
		return nil, nil
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	var scopes []string
	if s, ok := a.(scoped); ok {
		scopes = s.RequiredScopes()
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		// No error code when the request carries no credentials (RFC 6750 3.1).
		log.InfoContext(ctx, "auth.check.missing")
		return nil, &Challenge{Status: http.StatusUnauthorized, WWWAuthenticate: BearerChallenge(realm, "", "", nil), Err: ErrUnauthorized}
	}

	scheme, tok, ok := strings.Cut(authHeader, " ")
	tok = strings.TrimSpace(tok)
	if !ok || !strings.EqualFold(scheme, "Bearer") || tok == "" {
		log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		return nil, &Challenge{
			Status:          http.StatusBadRequest,
			WWWAuthenticate: BearerChallenge(realm, "invalid_request", "malformed bearer authorization header", nil),
			Err:             ErrUnauthorized,
		}
	}

	ui, err := a.CheckAuthentication(ctx, tok)
	switch {
	case err == nil:
		return ui, nil
	case errors.Is(err, ErrInsufficientScope):
		log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, &Challenge{
			Status:          http.StatusForbidden,
			WWWAuthenticate: BearerChallenge(realm, "insufficient_scope", "insufficient scope", scopes),
			Err:             err,
		}
	case errors.Is(err, ErrUnauthorized):
		log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return nil, &Challenge{
			Status:          http.StatusUnauthorized,
			WWWAuthenticate: BearerChallenge(realm, "invalid_token", "token validation failed", nil),
			Err:             err,
		}
	default:
		log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		return nil, &Challenge{Status: http.StatusInternalServerError, Err: err}
	}
}
