// Package auth validates the bearer tokens presented at the WebSocket handshake.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"collabgate/internal/metrics"
	"collabgate/internal/store"
	"collabgate/pkg/interfaces"
	"collabgate/pkg/types"
)

var (
	ErrTokenMissing = types.NewError(types.KindAuthentication, types.CodeAuthenticationRequired, "Authentication required")
	ErrTokenInvalid = types.NewError(types.KindAuthentication, types.CodeInvalidToken, "JWT verification failed")
)

// Claims are the token claims the gateway understands. The subject is the
// user id; Anonymous marks guests admitted by the identity service.
type Claims struct {
	Anonymous bool   `json:"anonymous,omitempty"`
	Name      string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the token subject.
func (c *Claims) UserID() string {
	return c.Subject
}

// Options configures a Validator.
type Options struct {
	Secret   string
	Issuer   string
	Audience string
}

// Validator checks HMAC-signed tokens and the shared revocation list.
type Validator struct {
	secret []byte
	parser *jwt.Parser
	store  interfaces.Store
	logger *zap.Logger
}

// NewValidator builds a validator. store may be nil, which disables the
// revocation check.
func NewValidator(opts Options, st interfaces.Store, logger *zap.Logger) *Validator {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if opts.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(opts.Issuer))
	}
	if opts.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(opts.Audience))
	}
	return &Validator{
		secret: []byte(opts.Secret),
		parser: jwt.NewParser(parserOpts...),
		store:  st,
		logger: logger,
	}
}

// Validate parses and verifies token. Every failure is reported as
// ErrTokenMissing or ErrTokenInvalid with the underlying cause attached.
func (v *Validator) Validate(ctx context.Context, token string) (*Claims, error) {
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing").Inc()
		return nil, ErrTokenMissing
	}

	claims := &Claims{}
	parsed, err := v.parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		metrics.AuthFailures.WithLabelValues(failureReason(err)).Inc()
		return nil, invalid(err)
	}
	if !parsed.Valid {
		metrics.AuthFailures.WithLabelValues("invalid").Inc()
		return nil, invalid(errors.New("token is invalid"))
	}
	if claims.Subject == "" || !types.IsValidIdentifier(claims.Subject) {
		metrics.AuthFailures.WithLabelValues("subject").Inc()
		return nil, invalid(errors.New("token subject is missing or malformed"))
	}

	revoked, err := v.isRevoked(ctx, claims.ID)
	if err != nil {
		// Fail open: a store outage must not lock every user out.
		v.logger.Warn("token revocation check failed", zap.String("jti", claims.ID), zap.Error(err))
	}
	if revoked {
		metrics.AuthFailures.WithLabelValues("revoked").Inc()
		return nil, invalid(errors.New("token has been revoked"))
	}
	return claims, nil
}

// Revoke adds jti to the revocation list until the token would expire anyway.
func (v *Validator) Revoke(ctx context.Context, claims *Claims) error {
	if v.store == nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil
	}
	ttl := time.Until(claims.ExpiresAt.Time)
	if ttl <= 0 {
		return nil
	}
	return store.Do(ctx, store.DefaultPolicy, "Failed to revoke token", func(ctx context.Context) error {
		return v.store.Set(ctx, store.RevokedTokenKey(claims.ID), "1", ttl)
	})
}

func (v *Validator) isRevoked(ctx context.Context, jti string) (bool, error) {
	if v.store == nil || jti == "" {
		return false, nil
	}
	var found bool
	err := store.Do(ctx, store.NoRetry, "Failed to check token revocation", func(ctx context.Context) error {
		_, ok, err := v.store.Get(ctx, store.RevokedTokenKey(jti))
		found = ok
		return err
	})
	return found, err
}

func invalid(cause error) error {
	return &types.GatewayError{
		Kind:    types.KindAuthentication,
		Code:    types.CodeInvalidToken,
		Message: ErrTokenInvalid.Message,
		Cause:   cause,
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	default:
		return "invalid"
	}
}
