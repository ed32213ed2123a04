package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"presenceapi/internal/config"
)

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled          bool
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	AllowCredentials bool
	MaxAge           int
}

// NewCORSConfig converts the loaded configuration
func NewCORSConfig(c config.CORSConfig) CORSConfig {
	return CORSConfig{
		Enabled:          c.Enabled,
		AllowedOrigins:   c.Origins(),
		AllowedMethods:   c.Methods(),
		AllowedHeaders:   c.Headers(),
		AllowCredentials: c.AllowCredentials,
		MaxAge:           c.MaxAge,
	}
}

// CORSMiddleware returns an http.Handler that adds CORS headers and handles preflight
func CORSMiddleware(cfg CORSConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}

	allowedMethods := strings.Join(cfg.AllowedMethods, ", ")
	allowedHeaders := strings.Join(cfg.AllowedHeaders, ", ")
	allowedOrigins := cfg.AllowedOrigins
	wildcard := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-CORS request
			next.ServeHTTP(w, r)
			return
		}

		allowOrigin := ""
		if wildcard && !cfg.AllowCredentials {
			allowOrigin = "*"
		} else {
			for _, o := range allowedOrigins {
				if o == origin || o == "*" {
					allowOrigin = origin
					break
				}
			}
		}

		if allowOrigin == "" {
			writeErrorResponse(w, http.StatusForbidden, "origin not allowed")
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		if cfg.AllowCredentials {
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(cfg.MaxAge))
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
