package api

import (
	"crypto/subtle"
	"log"
	"net/http"
)

// APIKeyAuth rejects requests whose x-api-key header does not match the
// configured key. The comparison is constant-time so response latency leaks
// nothing about how much of the key matched.
func APIKeyAuth(apiKey string) func(http.Handler) http.Handler {
	expected := []byte(apiKey)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("x-api-key"))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				log.Printf("[API] Unauthorized request to %s", r.URL.Path)
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
