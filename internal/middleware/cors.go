package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS returns the CORS middleware for the agent's API.
func CORS() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Requested-With", "X-Correlation-ID"},
		ExposedHeaders:   []string{"X-Correlation-ID", "X-Optimistic-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
