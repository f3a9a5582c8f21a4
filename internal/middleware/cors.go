package middleware

import (
	"net/http"

	"github.com/go-chi/cors"
)

// CORS отвечает на preflight-запросы браузера и разрешает вызовы с любого origin.
// Доступ к данным ограничивает bearer-токен, а не cookie, поэтому credentials не передаются.
func CORS() func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "apikey", "x-client-info", "asaas-access-token"},
		MaxAge:         300,
	}).Handler
}
