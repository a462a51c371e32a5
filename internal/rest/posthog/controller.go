package posthog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/dfryer1193/flowbeacon/internal/config"
	"github.com/dfryer1193/flowbeacon/internal/ratelimit"
	mjolnirUtils "github.com/dfryer1193/mjolnir/utils"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const MountPath = "/posthog"

type routeKey struct{}

// Controller forwards the analytics beacon routes to the configured upstream.
// It is built once at startup and is read-only afterwards.
type Controller struct {
	target    *url.URL
	mount     string
	maxBody   int64
	proxy     *httputil.ReverseProxy
	client    *http.Client
	limits    *ratelimit.Store
	callerKey httprate.KeyFunc
}

type Option func(*Controller)

func WithRateLimitStore(store *ratelimit.Store) Option {
	return func(c *Controller) {
		c.limits = store
	}
}

func NewController(cfg *config.Config, opts ...Option) (*Controller, error) {
	target, err := url.Parse(cfg.Diagnostics.PostHog.APIHost)
	if err != nil {
		return nil, fmt.Errorf("invalid posthog api host: %w", err)
	}

	transport := otelhttp.NewTransport(http.DefaultTransport)
	c := &Controller{
		target:    target,
		mount:     cfg.RestPrefix() + MountPath,
		maxBody:   cfg.PayloadSizeMaxBytes(),
		client:    &http.Client{Transport: transport},
		callerKey: ratelimit.CallerKey(cfg.ProxyHops),
	}
	c.proxy = &httputil.ReverseProxy{
		Rewrite:      c.rewrite,
		Transport:    transport,
		ErrorHandler: c.proxyError,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.limits == nil {
		c.limits, _ = ratelimit.NewStore("")
	}

	return c, nil
}

// Register mounts every route under <rest prefix>/posthog, each behind its
// own rate limiter.
func (c *Controller) Register(router chi.Router) {
	router.Route(c.mount, func(r chi.Router) {
		for _, route := range Routes() {
			limiter := c.limits.Limit(route.Path, route.Limit, route.Window, c.callerKey)
			r.With(limiter).Method(route.Method, route.Path, c.handler(route))
		}
	})
}

func (c *Controller) handler(route Route) http.Handler {
	var next mjolnirUtils.ErrorReturningHandler
	switch route.Strategy {
	case ManualRelay:
		next = c.relayFlags
	case FormReencode:
		next = c.reencodeForm
	default:
		next = c.forward
	}

	return mjolnirUtils.ErrorHandler(func(w http.ResponseWriter, r *http.Request) *mjolnirUtils.ApiError {
		requestsTotal.WithLabelValues(route.Path, route.Strategy.String()).Inc()

		if r.ContentLength > c.maxBody {
			return tooLarge()
		}

		ctx := context.WithValue(r.Context(), routeKey{}, route.Path)
		return next(w, r.WithContext(ctx))
	})
}

// forward hands the request to the shared proxy with its body unchanged.
func (c *Controller) forward(w http.ResponseWriter, r *http.Request) *mjolnirUtils.ApiError {
	if r.Body != nil && r.Body != http.NoBody {
		r.Body = http.MaxBytesReader(w, r.Body, c.maxBody)
	}
	c.proxy.ServeHTTP(w, r)
	return nil
}

// reencodeForm parses a form body and forwards exactly its re-serialized
// bytes. Other content types go through forward.
func (c *Controller) reencodeForm(w http.ResponseWriter, r *http.Request) *mjolnirUtils.ApiError {
	if r.Method != http.MethodPost || !isForm(r) {
		return c.forward(w, r)
	}

	body, err := readBody(w, r, c.maxBody)
	if err != nil {
		return bodyError(r, err)
	}

	encoded := []byte(parseForm(string(body)).encode())
	out := r.Clone(r.Context())
	out.Body = io.NopCloser(bytes.NewReader(encoded))
	out.ContentLength = int64(len(encoded))
	out.Header.Set("Content-Type", formContentType)
	out.Header.Set("Content-Length", strconv.Itoa(len(encoded)))

	c.proxy.ServeHTTP(w, out)
	return nil
}

// relayFlags performs its own POST to <upstream>/flags/ and copies the
// upstream status and body back, always declaring the body as JSON.
func (c *Controller) relayFlags(w http.ResponseWriter, r *http.Request) *mjolnirUtils.ApiError {
	body, err := readBody(w, r, c.maxBody)
	if err != nil {
		return bodyError(r, err)
	}

	fields, err := formValues(r, body)
	if err != nil {
		return bodyError(r, err)
	}

	query := ""
	if r.URL.RawQuery != "" {
		query = "?" + r.URL.RawQuery
	}
	target := strings.TrimRight(c.target.String(), "/") + "/flags/" + query

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, strings.NewReader(fields.encode()))
	if err != nil {
		return c.relayError(err)
	}
	req.Header.Set("Content-Type", formContentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return c.relayError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.relayError(err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(data); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("failed to write flags response")
	}
	return nil
}

func (c *Controller) rewrite(pr *httputil.ProxyRequest) {
	pr.Out.URL.Path = strings.TrimPrefix(pr.In.URL.Path, c.mount)
	pr.Out.URL.RawPath = strings.TrimPrefix(pr.In.URL.RawPath, c.mount)
	pr.SetURL(c.target)
	pr.Out.Header.Del("Cookie")
}

// proxyError is the ReverseProxy error hook, so it answers through
// ErrorHandler itself.
func (c *Controller) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	mjolnirUtils.ErrorHandler(func(http.ResponseWriter, *http.Request) *mjolnirUtils.ApiError {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return tooLarge()
		}

		route, _ := r.Context().Value(routeKey{}).(string)
		upstreamErrorsTotal.WithLabelValues(route).Inc()
		return mjolnirUtils.NewApiError(
			fmt.Errorf("posthog proxy request for %s to %s failed: %w", route, c.target.Host, err),
			http.StatusBadGateway,
		)
	})(w, r)
}

func (c *Controller) relayError(err error) *mjolnirUtils.ApiError {
	upstreamErrorsTotal.WithLabelValues("/flags/").Inc()
	return mjolnirUtils.InternalServerErr(fmt.Errorf("failed to fetch feature flags from %s: %w", c.target.Host, err))
}

func bodyError(r *http.Request, err error) *mjolnirUtils.ApiError {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return tooLarge()
	}

	hlog.FromRequest(r).Warn().Err(err).Msg("rejected posthog request body")
	return mjolnirUtils.BadRequestErr(err)
}

var errTooLarge = errors.New("request entity too large")

func tooLarge() *mjolnirUtils.ApiError {
	return mjolnirUtils.NewApiError(errTooLarge, http.StatusRequestEntityTooLarge)
}
