package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// portalToken signs with a key the client never sees.
func portalToken(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("backend-only-key"))
	require.NoError(t, err)
	return s
}

func TestParseCredential(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tok := portalToken(t, PortalClaims{
		Email: "jean@corp.io",
		Role:  "EMPLOYEE",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u-42",
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	})

	cred, err := ParseCredential(tok, now)
	require.NoError(t, err)
	assert.Equal(t, "u-42", cred.UserID)
	assert.Equal(t, "jean@corp.io", cred.Email)
	assert.Equal(t, "EMPLOYEE", cred.Role)
	assert.Equal(t, tok, cred.Token)
	assert.True(t, cred.ExpiresAt.Equal(now.Add(time.Hour)))
}

func TestParseCredential_UserIDClaimFallback(t *testing.T) {
	tok := portalToken(t, PortalClaims{UserID: "u-7"})
	cred, err := ParseCredential(tok, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "u-7", cred.UserID)
}

func TestParseCredential_Rejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	_, err := ParseCredential("not-a-jwt", now)
	assert.Error(t, err)

	_, err = ParseCredential(portalToken(t, PortalClaims{Email: "x"}), now)
	assert.True(t, errors.Is(err, ErrMissingSubject))

	expired := portalToken(t, PortalClaims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(now),
	}})
	_, err = ParseCredential(expired, now)
	assert.True(t, errors.Is(err, ErrExpired))
}

func TestBridgeToken_RoundTrip(t *testing.T) {
	tok, err := GenerateToken("desktop-shell", "s3cret", time.Minute)
	require.NoError(t, err)

	claims, err := ParseToken(tok, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "desktop-shell", claims.Subject)
	assert.Equal(t, Issuer, claims.Issuer)

	_, err = ParseToken(tok, "other")
	assert.Error(t, err)
}

func TestParseToken_RejectsForeignIssuerAndExpiry(t *testing.T) {
	foreign, err := jwt.NewWithClaims(jwt.SigningMethodHS256, BridgeClaims{jwt.RegisteredClaims{
		Issuer:    "someone-else",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	}}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = ParseToken(foreign, "s3cret")
	assert.Error(t, err)

	stale, err := GenerateToken("x", "s3cret", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken(stale, "s3cret")
	assert.Error(t, err)
}

func TestParseToken_RejectsNoneAlgorithm(t *testing.T) {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, BridgeClaims{jwt.RegisteredClaims{Issuer: Issuer}}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = ParseToken(tok, "s3cret")
	assert.Error(t, err)
}
