package auth

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ClerkValidator validates Clerk-issued JWTs using the issuer's JWKS.
type ClerkValidator struct {
	issuer string
	jwks   keyfunc.Keyfunc
	cancel context.CancelFunc
}

// NewClerkValidator creates a ClerkValidator that fetches (and keeps
// refreshing) the JWKS of the Clerk issuer.
func NewClerkValidator(issuer string) (*ClerkValidator, error) {
	if issuer == "" {
		return nil, fmt.Errorf("clerk issuer URL is required")
	}
	issuer = strings.TrimSuffix(issuer, "/")

	ctx, cancel := context.WithCancel(context.Background())
	jwksURL := issuer + "/.well-known/jwks.json"
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &ClerkValidator{
		issuer: issuer,
		jwks:   jwks,
		cancel: cancel,
	}, nil
}

// clerkClaims are the session token claims the hub reads.
type clerkClaims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	OrgRole  string `json:"org_role"`
}

// Verify checks a Clerk session JWT against the issuer's keys. Clerk tokens
// never carry an agent id, so they identify browsers only.
func (c *ClerkValidator) Verify(ctx context.Context, tokenStr string) (*Identity, error) {
	var claims clerkClaims
	_, err := jwt.ParseWithClaims(tokenStr, &claims, c.jwks.KeyfuncCtx(ctx),
		jwt.WithIssuer(c.issuer),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case err != nil, claims.Subject == "":
		return nil, ErrUnauthorized
	}

	id := &Identity{
		UserID:   claims.Subject,
		Username: cmp.Or(claims.Username, claims.Name, claims.Email, claims.Subject),
		Role:     "user",
	}
	if claims.OrgRole == "org:admin" {
		id.Role = "admin"
	}
	return id, nil
}

// Close stops the JWKS background refresh.
func (c *ClerkValidator) Close() error {
	c.cancel()
	return nil
}

// clerkWithAgents routes JWTs to Clerk and everything else (agent tokens) to
// the builtin service.
type clerkWithAgents struct {
	*ClerkValidator
	svc *Service
}

func (c *clerkWithAgents) Verify(ctx context.Context, token string) (*Identity, error) {
	if looksLikeJWT(token) {
		return c.ClerkValidator.Verify(ctx, token)
	}
	return c.svc.Verify(ctx, token)
}
