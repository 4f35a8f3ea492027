package httpmw

import "net/http"

// Security note: CSRF protection is not implemented because it is not applicable.
// The API is stateless (no cookies, no sessions, no authentication).

// SecurityHeaders is middleware that adds common security headers to HTTP responses
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Require HTTPS for one year, including subdomains, and allow preload
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")

		// Restrictive CSP: the service serves raw image bytes and JSON, never scripts
		w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src 'self'; base-uri 'self'; form-action 'self'; frame-ancestors 'none'; object-src 'none'")

		// Disable MIME type sniffing, critical when serving user-supplied bytes
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Dont allow embedding in frames
		w.Header().Set("X-Frame-Options", "DENY")

		// Referrer policy to control information sent in Referer header
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		// Permissions policy to disable various powerful (in)security features
		w.Header().Set("Permissions-Policy", "accelerometer=(), camera=(), geolocation=(), gyroscope=(), magnetometer=(), microphone=(), payment=(), usb=()")

		// Hotlinked images are expected, but keep everything else same-origin
		w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")

		next.ServeHTTP(w, r)
	})
}
