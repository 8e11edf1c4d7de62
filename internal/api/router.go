/**
 * @description
 * This file sets up the HTTP router for the groupbuy-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies any
 * necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS middleware for chi.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// GroupBuyRoutes creates and returns a new router for the groupbuy service.
func GroupBuyRoutes(h *GroupBuyHandlers, jwksURL, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// The gateway authenticates with an HMAC signature over the body, not a
	// bearer token, so the webhook stays outside the auth group.
	r.Post("/webhooks/payment", h.PaymentWebhookHandler)

	// Public group listing and detail.
	r.Get("/groups", h.ListGroupsHandler)
	r.Get("/groups/{groupID}", h.GetGroupHandler)

	// Group routes that require authentication.
	r.Group(func(r chi.Router) {
		// Apply JWT authentication middleware for production
		r.Use(AuthMiddleware(jwksURL))

		// Define the protected API endpoints.
		r.Post("/groups/{groupID}/join", h.JoinGroupHandler)

		r.Post("/orders", h.CreateOrderHandler)
		r.Get("/orders/{orderID}", h.GetOrderHandler)

		r.Post("/payments", h.CreatePaymentHandler)
		r.Get("/payments/{paymentID}", h.GetPaymentHandler)
	})

	// Internal endpoints for the catalog service and support tooling.
	r.Group(func(r chi.Router) {
		r.Use(InternalAPIKeyMiddleware(internalAPIKey))

		r.Post("/groups", h.CreateGroupHandler)
		r.Post("/payments/{paymentID}/refund", h.RefundPaymentHandler)
	})

	return r
}
