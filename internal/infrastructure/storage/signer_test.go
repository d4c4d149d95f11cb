package storage

import (
	"net/url"
	"strings"
	"testing"
	"time"

	"sessioncast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedURLRoundtrip(t *testing.T) {
	signer := NewURLSigner("test-secret", "http://localhost:8080")

	signed, expiresAt, err := signer.SignedURL("s1", "sessions/s1/part-00000", "put", time.Minute)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(signed, "http://localhost:8080/storage/sessions/s1/part-00000?token="))
	assert.WithinDuration(t, time.Now().Add(time.Minute), expiresAt, 2*time.Second)

	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	token := parsed.Query().Get("token")
	require.NotEmpty(t, token)

	claims, err := signer.Verify(token, "sessions/s1/part-00000", "put")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("s1"), claims.SessionID)
	assert.Equal(t, "put", claims.Verb)
}

func TestVerifyRejectsWrongVerb(t *testing.T) {
	signer := NewURLSigner("test-secret", "http://localhost:8080")

	signed, _, err := signer.SignedURL("s1", "sessions/s1/part-00000", "get", time.Minute)
	require.NoError(t, err)
	token := tokenFrom(t, signed)

	_, err = signer.Verify(token, "sessions/s1/part-00000", "put")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestVerifyRejectsWrongPath(t *testing.T) {
	signer := NewURLSigner("test-secret", "http://localhost:8080")

	signed, _, err := signer.SignedURL("s1", "sessions/s1/part-00000", "get", time.Minute)
	require.NoError(t, err)
	token := tokenFrom(t, signed)

	_, err = signer.Verify(token, "sessions/s1/part-00001", "get")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	signer := NewURLSigner("test-secret", "http://localhost:8080")

	signed, _, err := signer.SignedURL("s1", "sessions/s1/part-00000", "get", -time.Minute)
	require.NoError(t, err)
	token := tokenFrom(t, signed)

	_, err = signer.Verify(token, "sessions/s1/part-00000", "get")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	signer := NewURLSigner("test-secret", "http://localhost:8080")

	_, err := signer.Verify("not-a-token", "sessions/s1/part-00000", "get")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	signer := NewURLSigner("test-secret", "http://localhost:8080")
	other := NewURLSigner("other-secret", "http://localhost:8080")

	signed, _, err := other.SignedURL("s1", "sessions/s1/part-00000", "get", time.Minute)
	require.NoError(t, err)
	token := tokenFrom(t, signed)

	_, err = signer.Verify(token, "sessions/s1/part-00000", "get")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func tokenFrom(t *testing.T, signed string) string {
	t.Helper()
	parsed, err := url.Parse(signed)
	require.NoError(t, err)
	token := parsed.Query().Get("token")
	require.NotEmpty(t, token)
	return token
}
