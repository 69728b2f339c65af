// ABOUTME: JWT token verification for the control channel and operator API
// ABOUTME: Uses HS256 signing; the subject is a session id or the admin scope

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongSession = errors.New("token not valid for this session")
)

// Scopes carried in the "scope" claim
const (
	ScopeSession = "session"
	ScopeAdmin   = "admin"
)

// Claims is what a verified token grants.
type Claims struct {
	Subject string
	Scope   string
}

// Allows reports whether the claims grant access to sessionID.
func (c Claims) Allows(sessionID string) bool {
	return c.Scope == ScopeAdmin || (c.Scope == ScopeSession && c.Subject == sessionID)
}

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) *JWTVerifier {
	return &JWTVerifier{secret: secret}
}

// Verify validates the token and extracts its subject and scope.
// Tokens without a scope claim are treated as session tokens.
func (v *JWTVerifier) Verify(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrExpiredToken
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return Claims{}, ErrInvalidToken
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrInvalidToken
	}

	sub, ok := mc["sub"].(string)
	if !ok || sub == "" {
		return Claims{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	scope, _ := mc["scope"].(string)
	switch scope {
	case "":
		scope = ScopeSession
	case ScopeSession, ScopeAdmin:
	default:
		return Claims{}, fmt.Errorf("%w: unknown scope %q", ErrInvalidToken, scope)
	}

	return Claims{Subject: sub, Scope: scope}, nil
}

// GenerateSession issues a token that opens the control channel for one session.
func (v *JWTVerifier) GenerateSession(sessionID string, expiresIn time.Duration) (string, error) {
	return v.generate(sessionID, ScopeSession, expiresIn)
}

// GenerateAdmin issues a token valid for every session and the operator API.
func (v *JWTVerifier) GenerateAdmin(operator string, expiresIn time.Duration) (string, error) {
	return v.generate(operator, ScopeAdmin, expiresIn)
}

func (v *JWTVerifier) generate(subject, scope string, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
