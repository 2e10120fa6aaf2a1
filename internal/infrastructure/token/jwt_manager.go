package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Roles carried by operator tokens.
const (
	RoleWriter = "writer"
	RoleAdmin  = "admin"
)

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// JWTManager issues and validates operator tokens.
type JWTManager struct {
	secret     []byte
	expiration time.Duration
	issuer     string
}

// NewJWTManager constructs a manager with the provided secret and expiration.
func NewJWTManager(secret string, expiration time.Duration, issuer string) *JWTManager {
	return &JWTManager{
		secret:     []byte(secret),
		expiration: expiration,
		issuer:     issuer,
	}
}

// Claims represents token claims. The operator name is the registered subject.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Operator returns the subject.
func (c Claims) Operator() string { return c.Subject }

// IsAdmin reports whether the token may call admin routes.
func (c Claims) IsAdmin() bool { return c.Role == RoleAdmin }

// Generate creates a signed JWT for operator with role.
func (m *JWTManager) Generate(operator, role string) (string, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return "", errors.New("operator is required")
	}
	switch role {
	case RoleWriter, RoleAdmin:
	default:
		return "", fmt.Errorf("unknown role %q", role)
	}

	now := time.Now().UTC()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   operator,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate parses and validates the token returning its claims when valid.
func (m *JWTManager) Validate(tokenString string) (Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return m.secret, nil
	}, jwt.WithIssuer(m.issuer), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Claims{}, fmt.Errorf("%w: invalid claims", ErrInvalidToken)
	}
	return *claims, nil
}
