package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"os"
)

// AuthConfig guards admin routes. With nothing set the routes are open.
type AuthConfig struct {
	Username string
	Password string
	Token    string
}

// LoadAuthConfig reads ADMIN_USERNAME, ADMIN_PASSWORD and ADMIN_TOKEN.
func LoadAuthConfig() *AuthConfig {
	cfg := &AuthConfig{
		Username: os.Getenv("ADMIN_USERNAME"),
		Password: os.Getenv("ADMIN_PASSWORD"),
		Token:    os.Getenv("ADMIN_TOKEN"),
	}
	if !cfg.enabled() {
		slog.Warn("admin authentication not configured - admin endpoints are UNPROTECTED. Set ADMIN_USERNAME+ADMIN_PASSWORD or ADMIN_TOKEN",
			slog.String("component", "http"))
	}
	return cfg
}

func (c *AuthConfig) enabled() bool {
	return (c.Username != "" && c.Password != "") || c.Token != ""
}

// adminAuth accepts an X-Admin-Token header or basic auth.
func adminAuth(cfg *AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.enabled() {
				next.ServeHTTP(w, r)
				return
			}
			if cfg.Token != "" {
				token := r.Header.Get("X-Admin-Token")
				if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			if cfg.Username != "" && cfg.Password != "" {
				if u, p, ok := r.BasicAuth(); ok {
					userOK := subtle.ConstantTimeCompare([]byte(u), []byte(cfg.Username)) == 1
					passOK := subtle.ConstantTimeCompare([]byte(p), []byte(cfg.Password)) == 1
					if userOK && passOK {
						next.ServeHTTP(w, r)
						return
					}
				}
			}
			w.Header().Set("WWW-Authenticate", `Basic realm="streamfarm admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr),
				slog.String("component", "http"))
		})
	}
}
