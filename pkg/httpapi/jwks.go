package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/fitsync/gateway/pkg/jwks"
)

// JWKSHandler serves the gateway's own published key set at
// /.well-known/jwks.json with the caching contract spec.md §4.2 requires:
// Cache-Control: public, max-age=3600, and an ETag a matching If-None-Match
// can short-circuit to a bodyless 304.
func JWKSHandler(jm *jwks.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set, etag, err := jm.PublicJWKS()
		if err != nil {
			WriteError(w, err)
			return
		}

		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("ETag", etag)
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}
}
