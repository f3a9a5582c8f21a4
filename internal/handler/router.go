package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/mmeshcher/creditstore/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware магазина кредитов.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.CORS())
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Get("/healthz", h.Healthz)
	r.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/products", h.ListProducts)
		r.Post("/webhooks/payment", h.PaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.ServiceMiddleware)
			r.Post("/fulfillment/trigger", h.TriggerFulfillment)
			r.Post("/fulfillment/requeue", h.RequeueFulfillment)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/orders", h.CreateOrder)
			r.Get("/orders", h.ListOrders)
			r.Post("/orders/status", h.OrderStatus)
			r.Post("/orders/cancel", h.CancelOrder)
			r.Post("/orders/delivery", h.ConfigureDelivery)

			r.Get("/wallet", h.GetWallet)
			r.Get("/wallet/transactions", h.ListTransactions)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": http.StatusText(http.StatusNotFound)})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": http.StatusText(http.StatusMethodNotAllowed)})
	})

	return r
}
