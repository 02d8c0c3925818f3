package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken is returned for any token that fails validation
var ErrInvalidToken = errors.New("invalid token")

// JWTManager issues and validates HS256 access tokens
type JWTManager struct {
	signingKey []byte
	ttl        time.Duration
	issuer     string
	now        func() time.Time
}

// NewJWTManager creates a manager. An empty issuer defaults to "decisionflow".
func NewJWTManager(signingKey, issuer string, ttl time.Duration) *JWTManager {
	if issuer == "" {
		issuer = "decisionflow"
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTManager{signingKey: []byte(signingKey), ttl: ttl, issuer: issuer, now: time.Now}
}

// Claims are the access token claims
type Claims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// Issue signs a token for subject. Nil scopes mean DefaultScopes.
func (j *JWTManager) Issue(subject string, scopes []string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, fmt.Errorf("subject is required")
	}
	if scopes == nil {
		scopes = DefaultScopes
	}
	now := j.now()
	exp := now.Add(j.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    j.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
		Scopes: scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, exp, nil
}

// Validate parses a token and returns its principal
func (j *JWTManager) Validate(tokenString string) (*Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.signingKey, nil
	},
		jwt.WithIssuer(j.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return &Principal{Subject: claims.Subject, Scopes: claims.Scopes, Method: MethodJWT}, nil
}

// ExtractBearerToken extracts the token from an Authorization header
func ExtractBearerToken(authHeader string) (string, error) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return "", fmt.Errorf("invalid authorization header format")
	}
	return strings.TrimSpace(token), nil
}
