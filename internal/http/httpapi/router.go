package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"donationsvc/internal/http/handlers"
	"donationsvc/internal/middleware"
)

// Options configures the router's middleware.
type Options struct {
	Logger          zerolog.Logger
	OperatorSecret  string
	CORSOrigins     []string
	RateLimitPerMin int
	DefaultLocale   string
	CountryLookup   middleware.CountryLookup
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.CORSOrigins),
	)

	// Health
	r.Get("/v1/healthz", app.Health)

	// Gateway callback. Signature checked by the processor.
	r.Get("/v1/payments/result", app.PaymentResult)
	r.Post("/v1/payments/result", app.PaymentResult)

	r.Group(func(r chi.Router) {
		r.Use(middleware.I18N(opts.DefaultLocale, opts.CountryLookup))
		if opts.RateLimitPerMin > 0 {
			r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
		}
		r.Post("/v1/donations", app.DonationsCreate)
		r.Get("/v1/payments/{orderID}", app.PaymentStatus)
	})

	r.Route("/v1/operator", func(r chi.Router) {
		r.Use(middleware.RequireOperator(opts.OperatorSecret))
		r.Route("/donations/{id}", func(r chi.Router) {
			r.Get("/", app.GetDonation)
			r.Post("/cancel", app.SubscriptionAction("cancel"))
			r.Post("/pause", app.SubscriptionAction("pause"))
			r.Post("/resume", app.SubscriptionAction("resume"))
			r.Post("/close", app.SubscriptionAction("close"))
			r.Post("/change", app.ChangeSubscription)
		})
		r.Route("/transactions/{orderID}", func(r chi.Router) {
			r.Post("/refund", app.Refund)
			r.Post("/chargeback", app.Chargeback)
		})
		r.Post("/billing/sweep", app.Sweep)
	})

	return r
}
