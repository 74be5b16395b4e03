package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/jonathan/lumnicode/internal/config"
	"github.com/jonathan/lumnicode/internal/server/middleware"
)

// Claims represents HMAC-signed token claims.
type Claims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTService issues and verifies HS256 tokens signed with the shared secret.
type JWTService struct {
	secret []byte
}

// tokenIssuer marks tokens minted by this server.
const tokenIssuer = "lumnicode"

// NewJWTService creates a JWT service from the auth configuration.
func NewJWTService(cfg config.AuthConfig) *JWTService {
	return &JWTService{secret: []byte(cfg.JWTSecret)}
}

// GenerateToken signs a token for subject valid for ttl.
func (s *JWTService) GenerateToken(subject, email string, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("subject is required")
	}
	now := time.Now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken verifies signature and expiry and returns the token identity.
func (s *JWTService) ValidateToken(_ context.Context, tokenString string) (*middleware.Identity, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token string is empty")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrSignatureInvalid), errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return nil, fmt.Errorf("invalid token signature: %w", err)
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("token expired: %w", err)
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("malformed token: %w", err)
		}
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is not valid")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return &middleware.Identity{Subject: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}

// OIDCVerifier verifies identity-provider tokens against a remote JWKS.
type OIDCVerifier struct {
	verifier *oidc.IDTokenVerifier
}

// NewOIDCVerifier builds a verifier for tokens signed by keys published at cfg.JWKSURL.
// Issuer and audience checks are skipped when they are not configured.
func NewOIDCVerifier(ctx context.Context, cfg config.AuthConfig) *OIDCVerifier {
	keySet := oidc.NewRemoteKeySet(ctx, cfg.JWKSURL)
	return &OIDCVerifier{
		verifier: oidc.NewVerifier(cfg.Issuer, keySet, &oidc.Config{
			ClientID:          cfg.Audience,
			SkipClientIDCheck: cfg.Audience == "",
			SkipIssuerCheck:   cfg.Issuer == "",
		}),
	}
}

// ValidateToken verifies the token and extracts subject, email and name.
func (v *OIDCVerifier) ValidateToken(ctx context.Context, tokenString string) (*middleware.Identity, error) {
	idToken, err := v.verifier.Verify(ctx, tokenString)
	if err != nil {
		return nil, fmt.Errorf("failed to verify token: %w", err)
	}

	var extra struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&extra); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	return &middleware.Identity{Subject: idToken.Subject, Email: extra.Email, Name: extra.Name}, nil
}

// chainValidator accepts a token if any of its validators does.
type chainValidator []middleware.TokenValidator

func (c chainValidator) ValidateToken(ctx context.Context, tokenString string) (*middleware.Identity, error) {
	errs := make([]error, 0, len(c))
	for _, v := range c {
		identity, err := v.ValidateToken(ctx, tokenString)
		if err == nil {
			return identity, nil
		}
		errs = append(errs, err)
	}
	return nil, errors.Join(errs...)
}

// NewTokenValidator returns a validator for every mechanism enabled in cfg.
func NewTokenValidator(ctx context.Context, cfg config.AuthConfig) (middleware.TokenValidator, error) {
	var chain chainValidator
	if cfg.HMACEnabled() {
		chain = append(chain, NewJWTService(cfg))
	}
	if cfg.JWKSEnabled() {
		chain = append(chain, NewOIDCVerifier(ctx, cfg))
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no token verification configured")
	}
	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}
