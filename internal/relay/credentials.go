package relay

import (
	"net/http"
	"net/url"
	"strings"
)

// ResolveCredential extracts the bearer credential for a session. Precedence,
// first match wins: Authorization header, the named session cookie
// (percent-decoded, raw value if decoding fails), then the fallback cookie.
// Resolution happens once per session; the result is immutable afterwards.
func ResolveCredential(r *http.Request, sessionCookie, fallbackCookie string) (string, bool) {
	if token := bearerToken(r.Header.Get("Authorization")); token != "" {
		return token, true
	}
	if sessionCookie != "" {
		if c, err := r.Cookie(sessionCookie); err == nil && c.Value != "" {
			value := c.Value
			if decoded, err := url.QueryUnescape(value); err == nil && decoded != "" {
				value = decoded
			}
			if v := strings.TrimSpace(value); v != "" {
				return v, true
			}
		}
	}
	if fallbackCookie != "" {
		if c, err := r.Cookie(fallbackCookie); err == nil {
			if v := strings.TrimSpace(c.Value); v != "" {
				return v, true
			}
		}
	}
	return "", false
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[7:])
}
