package gateway

import "net/http"

// BodyLimit caps request bodies at maxBytes; zero or less disables the cap.
func BodyLimit(maxBytes int64) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if maxBytes > 0 && r.Body != nil && r.Body != http.NoBody {
				if r.ContentLength > maxBytes {
					writeJSON(w, http.StatusRequestEntityTooLarge, "body_too_large", "request body too large")
					return
				}
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}
