// Package auth verifies the signed bearer tokens presented during the
// WebSocket handshake. Token issuance lives in the account service; this
// package only validates signatures and expiry.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken covers bad signatures, malformed tokens and wrong
	// signing methods. Callers close the connection with an auth failure.
	ErrInvalidToken = errors.New("invalid token")

	// ErrTokenExpired is a distinct case so handshake logs can tell an
	// expired session from a forged token.
	ErrTokenExpired = errors.New("token expired")
)

// Claims is the JWT claim set issued by the account service.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated identity attached to a connection.
type Principal struct {
	ID        string
	Username  string
	Role      string
	ExpiresAt time.Time
}

// Verifier validates HS256-signed tokens against a shared secret.
type Verifier struct {
	secretKey     []byte
	tokenDuration time.Duration
}

// NewVerifier creates a verifier. tokenDuration is only used by Generate
// (tests and local tooling); verification trusts the token's own expiry.
func NewVerifier(secretKey string, tokenDuration time.Duration) *Verifier {
	if tokenDuration == 0 {
		tokenDuration = 24 * time.Hour
	}
	return &Verifier{
		secretKey:     []byte(secretKey),
		tokenDuration: tokenDuration,
	}
}

// Verify parses and validates a token string and returns the principal.
func (v *Verifier) Verify(tokenString string) (*Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Reject anything but HMAC. An attacker presenting an RS256 token
		// signed with the public key must not pass.
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	p := &Principal{
		ID:       claims.UserID,
		Username: claims.Username,
		Role:     claims.Role,
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	if p.ID == "" {
		return nil, fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}
	return p, nil
}

// Generate creates a signed token. Used by tests and the local dev CLI;
// production tokens come from the account service with the same secret.
func (v *Verifier) Generate(userID, username, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(v.tokenDuration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secretKey)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// TokenFromRequest extracts a token from the handshake request: the
// "token" query parameter first (browser WebSocket clients cannot set
// headers), then the Authorization header. Returns "" when absent, in
// which case the server waits for an auth control frame.
func TokenFromRequest(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
