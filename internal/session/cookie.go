// Package session implements the Session Store's cookie transport: the opaque session
// id and owning user id are sealed into a single AEAD-encrypted cookie value, so the
// client carries no readable state and the server holds nothing beyond
// (id, user, created_at, expires_at) — see internal/models.Session.
package session

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/leocalm/piggy-pulse-api/internal/crypto"
)

const CookieName = "user"

// ErrMalformedCookie covers an absent, truncated, or tampered cookie value.
var ErrMalformedCookie = errors.New("session: malformed cookie")

// Transport seals and opens the session cookie under a fixed AEAD key.
type Transport struct {
	aead   *crypto.AEAD
	secure bool
	domain string
	maxAge int
}

func NewTransport(aead *crypto.AEAD, secure bool, domain string, maxAgeSeconds int) *Transport {
	return &Transport{aead: aead, secure: secure, domain: domain, maxAge: maxAgeSeconds}
}

// Seal encodes (sessionID, userID) as "sessionID:userID", encrypts it, and returns the
// cookie value (base64 of nonce||ciphertext).
func (t *Transport) Seal(sessionID, userID string) (string, error) {
	plaintext := sessionID + ":" + userID
	ciphertext, nonce, err := t.aead.Seal([]byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("session: seal cookie: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(append(nonce, ciphertext...)), nil
}

// Open decrypts a cookie value and returns the session id and user id it carries.
func (t *Transport) Open(value string) (sessionID, userID string, err error) {
	raw, err := base64.RawURLEncoding.DecodeString(value)
	if err != nil {
		return "", "", ErrMalformedCookie
	}
	nonceSize := t.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", "", ErrMalformedCookie
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := t.aead.Open(ciphertext, nonce)
	if err != nil {
		return "", "", ErrMalformedCookie
	}
	parts := strings.SplitN(string(plaintext), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedCookie
	}
	return parts[0], parts[1], nil
}

// SetCookie writes the sealed session cookie onto the response. HttpOnly always;
// Secure outside debug profiles; SameSite=Lax.
func (t *Transport) SetCookie(w http.ResponseWriter, sessionID, userID string) error {
	value, err := t.Seal(sessionID, userID)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		Domain:   t.domain,
		MaxAge:   t.maxAge,
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// ClearCookie expires the session cookie immediately (logout).
func (t *Transport) ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		Domain:   t.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   t.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// FromRequest reads and opens the session cookie from an incoming request.
func (t *Transport) FromRequest(r *http.Request) (sessionID, userID string, err error) {
	c, err := r.Cookie(CookieName)
	if err != nil {
		return "", "", ErrMalformedCookie
	}
	return t.Open(c.Value)
}
