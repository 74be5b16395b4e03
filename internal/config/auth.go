package config

import (
	"fmt"
	"strings"
)

// AuthConfig holds bearer token verification settings.
// JWTSecret enables HMAC tokens; JWKSURL enables identity-provider tokens. Both may be set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	JWKSURL   string `mapstructure:"jwks_url"`
	Issuer    string `mapstructure:"issuer"`
	Audience  string `mapstructure:"audience"`
}

// HMACEnabled reports whether shared-secret tokens are accepted.
func (c AuthConfig) HMACEnabled() bool {
	return c.JWTSecret != ""
}

// JWKSEnabled reports whether identity-provider tokens are accepted.
func (c AuthConfig) JWKSEnabled() bool {
	return c.JWKSURL != ""
}

func (c *AuthConfig) normalize() {
	c.JWTSecret = strings.TrimSpace(c.JWTSecret)
	c.JWKSURL = strings.TrimSpace(c.JWKSURL)
	c.Issuer = strings.TrimRight(strings.TrimSpace(c.Issuer), "/")
}

// Validate requires at least one verification mechanism.
func (c AuthConfig) Validate() error {
	if !c.HMACEnabled() && !c.JWKSEnabled() {
		return fmt.Errorf("auth: set JWT_SECRET or CLERK_JWKS_URL")
	}
	if c.HMACEnabled() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("auth: JWT_SECRET must be at least 32 characters, got: %d", len(c.JWTSecret))
	}
	if c.JWKSEnabled() && !strings.HasPrefix(c.JWKSURL, "https://") && !strings.HasPrefix(c.JWKSURL, "http://") {
		return fmt.Errorf("auth: CLERK_JWKS_URL must be an http(s) URL")
	}
	return nil
}
