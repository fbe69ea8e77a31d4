package rest

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi"
	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/followup-payments/internal/auth"
	"github.com/frahmantamala/followup-payments/internal/payment"
	"github.com/frahmantamala/followup-payments/internal/transport"
	"github.com/frahmantamala/followup-payments/internal/transport/middleware"
	"github.com/frahmantamala/followup-payments/internal/transport/swagger"
)

type RouterConfig struct {
	PaymentHandler *payment.Handler
	WebhookHandler *payment.WebhookHandler
	// TokenValidator guards initiate and status. Nil leaves them open.
	TokenValidator auth.TokenValidator
	Checkers       map[string]Checker
	OpenAPI        []byte
	// RequestLogging turns on request/response body logging.
	RequestLogging bool
	Logger         *slog.Logger
}

func RegisterAllRoutes(router *chi.Mux, cfg RouterConfig) {
	healthHandler := NewHealthHandler(cfg.Checkers)
	base := transport.NewBaseHandler(cfg.Logger)

	router.Use(middleware.CORS)
	router.Use(chiMiddleware.RequestID)
	router.Use(middleware.RequestID)
	router.Use(middleware.RecoveryMiddleware(base.Logger))
	if cfg.RequestLogging {
		router.Use(middleware.LoggingMiddleware(base.Logger))
	}

	if len(cfg.OpenAPI) > 0 {
		router.Get("/openapi.yml", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/yaml")
			_, _ = w.Write(cfg.OpenAPI)
		})
		router.Handle("/swagger/*", swagger.Handler("/openapi.yml"))
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.healthCheckHandler)
		r.Get("/ping", healthHandler.pingHandler)

		// the gateway cannot authenticate, keep the callback public
		if cfg.WebhookHandler != nil {
			r.Post("/payments/callback", cfg.WebhookHandler.HandleCallback)
		}

		if cfg.PaymentHandler != nil {
			r.Group(func(pr chi.Router) {
				if cfg.TokenValidator != nil {
					pr.Use(middleware.Authenticate(cfg.TokenValidator, base))
				}
				pr.Post("/payments/initiate", cfg.PaymentHandler.Initiate)
				pr.Get("/payments/{checkoutRequestId}/status", cfg.PaymentHandler.Status)
			})
		}
	})
}
