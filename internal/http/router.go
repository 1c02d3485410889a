package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"
)

type Handlers struct {
	Cart     *CartHandler
	Checkout *CheckoutHandler
	Orders   *OrdersHandler
	Webhook  *WebhookHandler
}

func NewRouter(h Handlers, requestTimeout time.Duration, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(AccessLogMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		// signed by the gateway, no caller identity
		r.Post("/webhooks/payments", h.Webhook.HandlePayment)

		r.Group(func(r chi.Router) {
			r.Use(CartIdentityMiddleware)
			r.Use(middleware.Compress(5))

			r.Route("/cart", func(r chi.Router) {
				r.Get("/", h.Cart.GetCart)
				r.Delete("/", h.Cart.ClearCart)
				r.Post("/items", h.Cart.AddItem)
				r.Patch("/items/{itemID}", h.Cart.UpdateQuantity)
				r.Delete("/items/{itemID}", h.Cart.RemoveItem)
				r.Post("/coupons", h.Cart.ApplyCoupon)
				r.Delete("/coupons/{code}", h.Cart.RemoveCoupon)
				r.Put("/shipping", h.Cart.SetShipping)
			})
			r.Post("/checkout", h.Checkout.InitiateCheckout)
			r.Get("/orders", h.Orders.ListOrders)
			r.Get("/orders/{number}", h.Orders.GetOrder)
		})
	})

	return otelhttp.NewHandler(r, "checkout-api")
}
