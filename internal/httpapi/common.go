// Package httpapi exposes the REST and SSE surface. One handler struct per
// resource, each registering its routes on the shared mux.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/vaultstream/vaultstream/internal/apperr"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// TokenFunc resolves the API token at request time so settings changes
// apply without a restart. Empty means auth is disabled.
type TokenFunc func(r *http.Request) string

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError maps the error's kind onto a status code.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{"error": err.Error()})
}

// decodeJSON reads a size-capped JSON body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperr.Wrap(apperr.KindValidation, err, "invalid JSON")
	}
	return nil
}

// requestToken pulls the client credential from X-API-Token or a Bearer
// Authorization header.
func requestToken(r *http.Request) string {
	if t := r.Header.Get("X-API-Token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// authMiddleware guards a handler with the resolved token.
func authMiddleware(token TokenFunc, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if expected := token(r); expected != "" {
			if requestToken(r) != expected {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

// pathID parses the {id} segment as int64.
func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.New(apperr.KindValidation, "invalid %s", name)
	}
	return id, nil
}

// queryInt parses an integer query param, 0 when absent.
func queryInt(r *http.Request, name string) int {
	n, _ := strconv.Atoi(r.URL.Query().Get(name))
	return n
}

// queryInt64 parses an int64 query param, 0 when absent.
func queryInt64(r *http.Request, name string) int64 {
	n, _ := strconv.ParseInt(r.URL.Query().Get(name), 10, 64)
	return n
}

// pagination clamps page/size to sane bounds.
func pagination(r *http.Request) (page, size int) {
	page = queryInt(r, "page")
	if page < 1 {
		page = 1
	}
	size = queryInt(r, "size")
	if size < 1 {
		size = 20
	}
	if size > 100 {
		size = 100
	}
	return page, size
}
