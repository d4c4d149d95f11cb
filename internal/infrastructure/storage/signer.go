package storage

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"sessioncast/internal/core/domain"

	"github.com/golang-jwt/jwt/v5"
)

// URLClaims scope one signed storage URL to a session, object path and verb.
type URLClaims struct {
	SessionID domain.SessionID `json:"session_id"`
	Path      string           `json:"path"`
	Verb      string           `json:"verb"`
	jwt.RegisteredClaims
}

// URLSigner mints and verifies the short-lived tokens embedded in storage
// URLs. The same signer runs on both sides of the gateway's storage
// endpoints.
type URLSigner struct {
	secret  []byte
	baseURL string
}

func NewURLSigner(secret, baseURL string) *URLSigner {
	return &URLSigner{
		secret:  []byte(secret),
		baseURL: baseURL,
	}
}

// SignedURL builds a credentialed URL for one verb on one object path.
func (s *URLSigner) SignedURL(sessionID domain.SessionID, path, verb string, ttl time.Duration) (string, time.Time, error) {
	expiresAt := time.Now().Add(ttl)
	claims := &URLClaims{
		SessionID: sessionID,
		Path:      path,
		Verb:      verb,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign storage url: %w", err)
	}

	signed := fmt.Sprintf("%s/storage/%s?token=%s", s.baseURL, path, url.QueryEscape(token))
	return signed, expiresAt, nil
}

// Verify checks a token against the requested path and verb. Expired or
// mismatched tokens surface as domain.ErrUnauthorized / ErrForbidden.
func (s *URLSigner) Verify(tokenString, path, verb string) (*URLClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &URLClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.ErrUnauthorized
		}
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrUnauthorized
		}
		return nil, domain.ErrUnauthorized
	}

	claims, ok := token.Claims.(*URLClaims)
	if !ok || !token.Valid {
		return nil, domain.ErrUnauthorized
	}
	if claims.Path != path || claims.Verb != verb {
		return nil, domain.ErrForbidden
	}
	return claims, nil
}
