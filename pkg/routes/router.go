// Package routes assembles the HTTP API
package routes

import (
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/Ramsey-B/fern/pkg/audit"
	"github.com/Ramsey-B/fern/pkg/contacts"
	"github.com/Ramsey-B/fern/pkg/ingestion"
	"github.com/Ramsey-B/fern/pkg/matching"
	"github.com/Ramsey-B/fern/pkg/merging"
	"github.com/Ramsey-B/fern/pkg/middleware"
	"github.com/Ramsey-B/fern/pkg/routes/contact"
	"github.com/Ramsey-B/fern/pkg/routes/deadletter"
	"github.com/Ramsey-B/fern/pkg/routes/health"
	"github.com/Ramsey-B/fern/pkg/routes/mergecandidate"
	"github.com/Ramsey-B/fern/pkg/routes/mergedecision"
	"github.com/Ramsey-B/fern/pkg/routes/webhook"
)

// Options configures the router
type Options struct {
	AppName      string
	AllowOrigins []string
	AllowMethods []string
	Tracing      bool
}

// Dependencies are the services behind the routes. DeadLetters and Auth are optional.
type Dependencies struct {
	Contacts       *contacts.Service
	Ledger         *audit.Ledger
	Matcher        *matching.Service
	Workflow       *merging.Workflow
	Ingestion      *ingestion.Service
	Verifier       *ingestion.Verifier
	WebhookLimiter *middleware.KeyedLimiter
	DeadLetters    deadletter.Queue
	Health         *health.Checker
	Auth           middleware.TokenVerifier
}

// NewRouter builds the echo instance. Webhooks authenticate by signature;
// every other /api/v1 route takes its actor from the bearer token when Auth is set.
func NewRouter(opts Options, deps Dependencies, logger ectologger.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = middleware.Error(logger)

	e.Use(echomw.Recover())
	if opts.Tracing {
		e.Use(otelecho.Middleware(opts.AppName))
	}
	e.Use(middleware.Context())
	e.Use(middleware.Logger(logger))
	if len(opts.AllowOrigins) > 0 {
		e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
			AllowOrigins: opts.AllowOrigins,
			AllowMethods: opts.AllowMethods,
			AllowHeaders: []string{
				echo.HeaderContentType,
				echo.HeaderAuthorization,
				contact.HeaderIfMatch,
				middleware.HeaderUserID,
			},
			ExposeHeaders: []string{contact.HeaderETag, echo.HeaderXRequestID},
		}))
	}

	if deps.Health != nil {
		deps.Health.RegisterRoutes(e)
	}
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api/v1")

	var webhookMiddleware []echo.MiddlewareFunc
	if deps.WebhookLimiter != nil {
		webhookMiddleware = append(webhookMiddleware, middleware.RateLimit(logger, deps.WebhookLimiter, "source"))
	}
	webhook.NewHandler(deps.Ingestion, deps.Verifier, logger).Register(api.Group("/webhooks"), webhookMiddleware...)

	protected := api.Group("")
	if deps.Auth != nil {
		protected.Use(middleware.Authentication(logger, deps.Auth))
	}

	contact.NewHandler(deps.Contacts, deps.Ledger, logger).Register(protected.Group("/contacts"))
	mergecandidate.NewHandler(deps.Matcher, logger).Register(protected.Group("/merge-candidates"))
	mergedecision.NewHandler(deps.Workflow, logger).Register(protected.Group("/merge-decisions"))
	if deps.DeadLetters != nil {
		deadletter.NewHandler(deps.DeadLetters, deps.Ingestion, logger).Register(protected.Group("/ingestion/dead-letters"))
	}

	return e
}
