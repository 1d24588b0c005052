/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the back-office frontend
  6. Auth:       Bearer token on everything under /api

ROUTE GROUPS:
  /api/clients/*    Credit, orders, payments per client
  /api/payments/*   Journal
  /healthz          Liveness (no auth)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Token verification and role gates
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/logger"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, auth *Authenticator, origins []string) *chi.Mux {
	log := h.Logger
	if log == nil {
		log = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", idempotencyHeader},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health)

	staff := RequireRoles(ledger.RoleAdmin, ledger.RoleStaff)
	admin := RequireRoles(ledger.RoleAdmin)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Route("/clients", func(r chi.Router) {
			r.With(staff).Get("/", h.ListClients)
			r.With(staff).Post("/", h.CreateClient)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetClient)
				r.Get("/credit", h.GetCredit)
				r.Get("/orders", h.ListClientOrders)
				r.With(staff).Post("/orders", h.CreateOrder)
				r.With(staff).Post("/payments", h.ProcessPayment)
				r.With(admin).Post("/reconcile", h.Reconcile)
			})
		})

		r.Route("/payments", func(r chi.Router) {
			r.Get("/", h.ListPayments)
			r.With(RequireRoles(ledger.RoleClient)).Get("/my", h.MyPayments)
			r.Get("/{id}", h.GetPayment)
			r.With(admin).Post("/{id}/replay", h.ReplayPayment)
		})
	})

	return r
}
