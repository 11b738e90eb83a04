package middleware

import (
	"context"
	"fmt"

	"callsignal/internal/database"
	"callsignal/pkg/constants"
	"callsignal/pkg/jwt"
)

// RedisRevocationChecker looks tokens up by jti in the revocation set the
// identity service maintains in Redis. Tokens without a jti are never revoked.
type RedisRevocationChecker struct {
	client *database.RedisClient
}

func NewRedisRevocationChecker(client *database.RedisClient) *RedisRevocationChecker {
	return &RedisRevocationChecker{client: client}
}

func (c *RedisRevocationChecker) IsTokenRevoked(ctx context.Context, token string) (bool, error) {
	jti, err := jwt.TokenID(token)
	if err != nil || jti == "" {
		return false, err
	}

	n, err := c.client.SafeExists(ctx, constants.RevokedTokenPrefix+jti).Result()
	if err != nil {
		return false, fmt.Errorf("revocation lookup for %s: %w", jti, err)
	}
	return n == 1, nil
}
