package session

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/leocalm/piggy-pulse-api/internal/crypto"
)

func testTransport(t *testing.T) *Transport {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	aead, err := crypto.NewAEAD(key)
	if err != nil {
		t.Fatalf("failed to build AEAD: %v", err)
	}
	return NewTransport(aead, true, "", 3600)
}

func TestSealOpen_RoundTrip(t *testing.T) {
	tr := testTransport(t)

	value, err := tr.Seal("session-abc", "user-123")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	sessionID, userID, err := tr.Open(value)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if sessionID != "session-abc" {
		t.Errorf("expected session id 'session-abc', got %q", sessionID)
	}
	if userID != "user-123" {
		t.Errorf("expected user id 'user-123', got %q", userID)
	}
}

func TestOpen_RejectsTamperedValue(t *testing.T) {
	tr := testTransport(t)

	value, err := tr.Seal("session-abc", "user-123")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	tampered := value[:len(value)-2] + "xx"

	if _, _, err := tr.Open(tampered); err != ErrMalformedCookie {
		t.Errorf("expected ErrMalformedCookie on tampered value, got %v", err)
	}
}

func TestOpen_RejectsGarbage(t *testing.T) {
	tr := testTransport(t)
	if _, _, err := tr.Open("not-a-valid-cookie-value"); err != ErrMalformedCookie {
		t.Errorf("expected ErrMalformedCookie, got %v", err)
	}
}

func TestSetCookie_SetsExpectedAttributes(t *testing.T) {
	tr := testTransport(t)
	rec := httptest.NewRecorder()

	if err := tr.SetCookie(rec, "session-abc", "user-123"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp := rec.Result()
	cookies := resp.Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected exactly one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != CookieName {
		t.Errorf("expected cookie name %q, got %q", CookieName, c.Name)
	}
	if !c.HttpOnly {
		t.Error("expected HttpOnly")
	}
	if !c.Secure {
		t.Error("expected Secure")
	}
	if c.SameSite != http.SameSiteLaxMode {
		t.Errorf("expected SameSite=Lax, got %v", c.SameSite)
	}
}

func TestClearCookie_Expires(t *testing.T) {
	tr := testTransport(t)
	rec := httptest.NewRecorder()

	tr.ClearCookie(rec)

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected exactly one cookie, got %d", len(cookies))
	}
	if cookies[0].MaxAge >= 0 {
		t.Errorf("expected a negative MaxAge to expire the cookie, got %d", cookies[0].MaxAge)
	}
}

func TestFromRequest_RoundTrip(t *testing.T) {
	tr := testTransport(t)
	value, err := tr.Seal("session-abc", "user-123")
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: value})

	sessionID, userID, err := tr.FromRequest(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sessionID != "session-abc" || userID != "user-123" {
		t.Errorf("unexpected round trip result: %q %q", sessionID, userID)
	}
}

func TestFromRequest_NoCookie(t *testing.T) {
	tr := testTransport(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	if _, _, err := tr.FromRequest(req); err != ErrMalformedCookie {
		t.Errorf("expected ErrMalformedCookie when no cookie present, got %v", err)
	}
}
