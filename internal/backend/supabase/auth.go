package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/orbitthread/dmsync/internal/backend"
)

type authUser struct {
	ID string `json:"id"`
}

// CurrentActor returns the id of the user owning the access token. With a JWT secret
// configured the token is verified locally; otherwise the auth endpoint is asked and
// the answer is cached until the token expires or is rotated.
func (c *Client) CurrentActor(ctx context.Context) (string, error) {
	token := c.AccessToken()
	if token == "" {
		return "", backend.ErrUnauthenticated
	}

	if c.cfg.JWTSecret != "" {
		return subjectFromToken(token, []byte(c.cfg.JWTSecret))
	}

	if expired(token) {
		return "", fmt.Errorf("access token expired: %w", backend.ErrUnauthenticated)
	}

	c.tokenMu.RLock()
	cached := c.actor
	c.tokenMu.RUnlock()
	if cached != "" {
		return cached, nil
	}

	var user authUser
	endpoint := c.authURL.JoinPath("user")
	header := http.Header{"Accept": {"application/json"}}
	if err := c.call(ctx, "get user", http.MethodGet, endpoint, header, nil, &user); err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return "", fmt.Errorf("%w: %v", backend.ErrUnauthenticated, err)
		}
		return "", err
	}
	if user.ID == "" {
		return "", backend.ErrUnauthenticated
	}

	c.tokenMu.Lock()
	if c.token == token {
		c.actor = user.ID
	}
	c.tokenMu.Unlock()
	return user.ID, nil
}

func subjectFromToken(token string, secret []byte) (string, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", backend.ErrUnauthenticated, err)
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", backend.ErrUnauthenticated)
	}
	return sub, nil
}

// expired inspects the exp claim without verifying the signature; the service
// verifies the token on every call.
func expired(token string) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return time.Now().After(exp.Time)
}
