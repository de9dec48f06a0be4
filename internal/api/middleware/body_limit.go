// Package middleware provides request body size limiting for request safety.
package middleware

import (
	"net/http"
)

// MaxRequestBodyBytes is the flat cap applied to every request body; auth payloads
// (credentials, TOTP codes, backup codes) never need more than a few hundred bytes.
const MaxRequestBodyBytes = 64 * 1024

// MaxBodySize returns middleware enforcing MaxRequestBodyBytes on any request with a body.
func MaxBodySize() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body == nil {
				next.ServeHTTP(w, r)
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodyBytes)
			next.ServeHTTP(w, r)
		})
	}
}
