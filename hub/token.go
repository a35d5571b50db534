package hub

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenCommand   = "iam.token"
	refreshCommand = "iam.token.refresh"

	basicPrefix    = "Basic "
	apitokenPrefix = "Apitoken "
)

type accessToken struct {
	value     string
	expiresAt time.Time
}

func (t *accessToken) validAt(now time.Time) bool {
	return t != nil && now.Before(t.expiresAt)
}

// AccessToken returns a cached access token or exchanges the secret for a new one.
//
// A Basic secret is first traded for a refresh token, an Apitoken secret is a
// refresh token already. The refresh token is then exchanged for an access
// token that is cached until it expires.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token.validAt(c.now()) {
		return c.token.value, nil
	}

	refresh, err := c.refreshToken(ctx)
	if err != nil {
		return "", err
	}

	issued := c.now()
	result, err := c.Post(ctx, c.baseURL+commandPath+refreshCommand, map[string]string{"refreshToken": refresh}, nil)
	if err != nil {
		return "", fmt.Errorf("failed to refresh access token: %w", err)
	}

	response, _ := result.(map[string]interface{})
	value, _ := response["access_token"].(string)
	if value == "" {
		return "", fmt.Errorf("access_token: %w", ErrMissingToken)
	}

	c.token = &accessToken{
		value:     value,
		expiresAt: expiry(value, response["expires_in"], issued),
	}

	c.logger.Debug("hub access token refreshed", "expiresAt", c.token.expiresAt)
	return value, nil
}

// InvalidateToken drops the cached access token
func (c *Client) InvalidateToken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = nil
}

func (c *Client) refreshToken(ctx context.Context) (string, error) {
	switch {
	case c.secret == "":
		return "", ErrNoSecret

	case strings.HasPrefix(c.secret, basicPrefix):
		username, password, ok := strings.Cut(strings.TrimPrefix(c.secret, basicPrefix), ":")
		if !ok {
			return "", fmt.Errorf("basic secret without password: %w", ErrInvalidSecret)
		}

		result, err := c.Post(ctx, c.baseURL+commandPath+tokenCommand, map[string]string{
			"username": username,
			"password": password,
		}, nil)
		if err != nil {
			return "", fmt.Errorf("failed to exchange credentials: %w", err)
		}

		response, _ := result.(map[string]interface{})
		token, _ := response["refresh_token"].(string)
		if token == "" {
			return "", fmt.Errorf("refresh_token: %w", ErrMissingToken)
		}
		return token, nil

	case strings.HasPrefix(c.secret, apitokenPrefix):
		return strings.TrimPrefix(c.secret, apitokenPrefix), nil
	}

	return "", ErrInvalidSecret
}

// expiry uses expires_in when the hub sends it and falls back to the exp
// claim of the token. A token with neither is not cached.
func expiry(token string, expiresIn interface{}, issued time.Time) time.Time {
	if seconds, ok := expiresIn.(float64); ok && seconds > 0 {
		return issued.Add(time.Duration(seconds * float64(time.Second)))
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}

	return issued
}
