// Package identity verifies the signed grants players present at
// bootstrap. Grants are minted by an external account service; the
// orchestrator only checks signatures and claims, it never issues them.
package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/emberfall/emberfall/internal/platform/errors"
)

// Environment variables configuring grant verification.
const (
	EnvGrantIssuer    = "EMBERFALL_IDENTITY_ISSUER"
	EnvGrantAudience  = "EMBERFALL_IDENTITY_AUDIENCE"
	EnvGrantPublicKey = "EMBERFALL_IDENTITY_PUBLIC_KEY"
)

// grantEnv holds raw env values before post-parse validation.
type grantEnv struct {
	Issuer    string `env:"EMBERFALL_IDENTITY_ISSUER"`
	Audience  string `env:"EMBERFALL_IDENTITY_AUDIENCE"`
	PublicKey string `env:"EMBERFALL_IDENTITY_PUBLIC_KEY"`
}

// GrantConfig defines how identity grants are verified.
type GrantConfig struct {
	Issuer   string
	Audience string
	Key      ed25519.PublicKey
	Now      func() time.Time
}

// Enabled reports whether grant verification is configured. When it is
// not, bootstrap only hands out guest identities.
func (c GrantConfig) Enabled() bool {
	return len(c.Key) == ed25519.PublicKeySize
}

// GrantClaims captures validated identity grant claims.
type GrantClaims struct {
	Issuer      string
	Audience    []string
	ExpiresAt   time.Time
	NotBefore   time.Time
	IssuedAt    time.Time
	JWTID       string
	IdentityKey string
}

// grantClaims is the internal claims type used for JWT parsing.
type grantClaims struct {
	jwt.RegisteredClaims
}

// LoadGrantConfigFromEnv reads grant verification configuration. When none
// of the identity variables are set, verification is disabled and a zero
// config is returned.
func LoadGrantConfigFromEnv(now func() time.Time) (GrantConfig, error) {
	var raw grantEnv
	if err := env.Parse(&raw); err != nil {
		return GrantConfig{}, fmt.Errorf("parse identity grant env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	publicKey := strings.TrimSpace(raw.PublicKey)
	if issuer == "" && audience == "" && publicKey == "" {
		return GrantConfig{}, nil
	}
	if issuer == "" {
		return GrantConfig{}, fmt.Errorf("EMBERFALL_IDENTITY_ISSUER is required")
	}
	if audience == "" {
		return GrantConfig{}, fmt.Errorf("EMBERFALL_IDENTITY_AUDIENCE is required")
	}
	if publicKey == "" {
		return GrantConfig{}, fmt.Errorf("EMBERFALL_IDENTITY_PUBLIC_KEY is required")
	}
	keyBytes, err := decodeBase64(publicKey)
	if err != nil {
		return GrantConfig{}, fmt.Errorf("decode identity public key: %w", err)
	}
	if len(keyBytes) != ed25519.PublicKeySize {
		return GrantConfig{}, fmt.Errorf("identity public key must be %d bytes", ed25519.PublicKeySize)
	}
	if now == nil {
		now = time.Now
	}
	return GrantConfig{
		Issuer:   issuer,
		Audience: audience,
		Key:      ed25519.PublicKey(keyBytes),
		Now:      now,
	}, nil
}

// ValidateGrant verifies an identity grant token. The subject claim is the
// durable identity key accounts are stored under.
func ValidateGrant(grant string, cfg GrantConfig) (GrantClaims, error) {
	grant = strings.TrimSpace(grant)
	if grant == "" {
		return GrantClaims{}, apperrors.New(apperrors.CodeIdentityGrantInvalid, "identity grant is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Issuer == "" || cfg.Audience == "" || !cfg.Enabled() {
		return GrantClaims{}, errors.New("identity grant verifier is not configured")
	}

	var parsed grantClaims
	_, err := jwt.ParseWithClaims(grant, &parsed, func(token *jwt.Token) (any, error) {
		return cfg.Key, nil
	},
		jwt.WithValidMethods([]string{"EdDSA"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return GrantClaims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != cfg.Issuer {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeIdentityGrantInvalid,
			"identity grant issuer mismatch",
			map[string]string{"Field": "issuer"},
		)
	}
	if !audienceContains(parsed.Audience, cfg.Audience) {
		return GrantClaims{}, apperrors.WithMetadata(
			apperrors.CodeIdentityGrantInvalid,
			"identity grant audience mismatch",
			map[string]string{"Field": "audience"},
		)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return GrantClaims{}, apperrors.New(apperrors.CodeIdentityGrantInvalid, "identity grant sub is required")
	}
	if parsed.ID == "" {
		return GrantClaims{}, apperrors.New(apperrors.CodeIdentityGrantInvalid, "identity grant jti is required")
	}
	if parsed.ExpiresAt == nil {
		return GrantClaims{}, apperrors.New(apperrors.CodeIdentityGrantInvalid, "identity grant exp is required")
	}

	now := cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return GrantClaims{}, apperrors.New(apperrors.CodeIdentityGrantExpired, "identity grant is expired")
	}
	if parsed.NotBefore != nil {
		nbf := parsed.NotBefore.Time.UTC()
		if now.Before(nbf) {
			return GrantClaims{}, apperrors.New(apperrors.CodeIdentityGrantInvalid, "identity grant not active yet")
		}
	}

	claims := GrantClaims{
		Issuer:      parsed.Issuer,
		Audience:    []string(parsed.Audience),
		ExpiresAt:   exp,
		JWTID:       parsed.ID,
		IdentityKey: parsed.Subject,
	}
	if parsed.NotBefore != nil {
		claims.NotBefore = parsed.NotBefore.Time.UTC()
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) || errors.Is(err, jwt.ErrEd25519Verification) {
		return apperrors.New(apperrors.CodeIdentityGrantInvalid, "identity grant signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeIdentityGrantInvalid, "identity grant alg is invalid")
	}
	return apperrors.New(apperrors.CodeIdentityGrantInvalid, "identity grant is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}
