package gateway

import (
	"net/http"

	"github.com/rs/cors"
)

// CORSMiddleware allows browser viewers from any origin
func CORSMiddleware(next http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Requested-With"},
		MaxAge:         86400,
	}).Handler(next)
}
