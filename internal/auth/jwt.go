package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer marks tokens minted for the local bridge.
const Issuer = "portalchat"

var (
	ErrMissingSubject = errors.New("token has no user id")
	ErrExpired        = errors.New("token expired")
)

// PortalClaims is what the client reads out of the portal's access token.
//
// Why parse a token we cannot verify?
//   - The portal signs it with a key only the backend holds. The client
//     never makes an authorization decision from it; the backend does on
//     every request and on the socket handshake.
//   - The client only needs to know WHO it is: its own user id filters
//     self typing events and blocks a direct conversation with itself.
//
// The backend puts the user id in "sub"; some deployments also send it as
// "userId".
type PortalClaims struct {
	UserID string `json:"userId,omitempty"`
	Email  string `json:"email,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Credential is the decoded access token plus the raw string sent as bearer.
type Credential struct {
	Token     string
	UserID    string
	Email     string
	Role      string
	ExpiresAt time.Time
}

// ParseCredential decodes the portal access token without checking its
// signature. Tokens with no user id, or already expired at now, are
// rejected so the client never opens a socket that will be refused.
func ParseCredential(token string, now time.Time) (*Credential, error) {
	var claims PortalClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("decode access token: %w", err)
	}

	userID := claims.Subject
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return nil, ErrMissingSubject
	}

	cred := &Credential{
		Token:  token,
		UserID: userID,
		Email:  claims.Email,
		Role:   claims.Role,
	}
	if claims.ExpiresAt != nil {
		cred.ExpiresAt = claims.ExpiresAt.Time
		if !now.Before(cred.ExpiresAt) {
			return nil, ErrExpired
		}
	}
	return cred, nil
}

// BridgeClaims is the payload of tokens accepted by the local bridge.
type BridgeClaims struct {
	jwt.RegisteredClaims
}

// GenerateToken creates an HS256 token for a bridge client such as the
// desktop shell. subject names the client in logs.
func GenerateToken(subject, secret string, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := BridgeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    Issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a bridge token: HMAC signature with secret, expiry
// and issuer.
func ParseToken(tokenString, secret string) (*BridgeClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &BridgeClaims{},
		func(token *jwt.Token) (any, error) {
			// Reject "none" and asymmetric algorithms before the signature
			// check.
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return []byte(secret), nil
		},
		jwt.WithIssuer(Issuer),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*BridgeClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}
