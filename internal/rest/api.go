package rest

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dfryer1193/flowbeacon/internal/config"
	"github.com/dfryer1193/flowbeacon/internal/ratelimit"
	"github.com/dfryer1193/flowbeacon/internal/rest/handlers"
	"github.com/dfryer1193/flowbeacon/internal/rest/posthog"
	mjolnirMiddleware "github.com/dfryer1193/mjolnir/middleware"
	mjolnirUtils "github.com/dfryer1193/mjolnir/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

type Dependencies struct {
	Config     *config.Config
	Migrations handlers.MigrationStatusManager
	RateLimits *ratelimit.Store
}

func NewRouter(deps Dependencies) (*chi.Mux, error) {
	router := chi.NewRouter()
	router.Use(
		hlog.NewHandler(log.Logger),
		mjolnirMiddleware.RequestID,
		requestIDLogger,
		hlog.AccessHandler(accessLog),
		middleware.Recoverer,
	)

	if err := SetupRoutes(router, deps); err != nil {
		return nil, err
	}

	return router, nil
}

func SetupRoutes(router chi.Router, deps Dependencies) error {
	var opts []posthog.Option
	if deps.RateLimits != nil {
		opts = append(opts, posthog.WithRateLimitStore(deps.RateLimits))
	}

	posthogCtrl, err := posthog.NewController(deps.Config, opts...)
	if err != nil {
		return fmt.Errorf("failed to build posthog controller: %w", err)
	}
	posthogCtrl.Register(router)

	admin := handlers.NewAdminHandler(deps.Config.AdminAPIToken)
	migrationHandler := handlers.NewMigrationHandler(deps.Migrations)
	router.With(admin.RequireToken).Get(deps.Config.RestPrefix()+"/migrations", mjolnirUtils.ErrorHandler(migrationHandler.GetStatus))

	router.Handle("/metrics", promhttp.Handler())

	return nil
}

// requestIDLogger tags the request logger with the id assigned by RequestID.
func requestIDLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := mjolnirMiddleware.GetRequestID(r.Context())
		hlog.FromRequest(r).UpdateContext(func(c zerolog.Context) zerolog.Context {
			return c.Str("request_id", id)
		})
		next.ServeHTTP(w, r)
	})
}

func accessLog(r *http.Request, status, size int, duration time.Duration) {
	var evt *zerolog.Event
	switch {
	case status >= http.StatusInternalServerError:
		evt = hlog.FromRequest(r).Error()
	case status >= http.StatusBadRequest:
		evt = hlog.FromRequest(r).Warn()
	default:
		evt = hlog.FromRequest(r).Debug()
	}

	evt.Str("method", r.Method).
		Str("path", r.URL.Path).
		Int("status", status).
		Int("size", size).
		Dur("duration", duration).
		Msg("request handled")
}
