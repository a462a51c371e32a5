package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	mjolnirUtils "github.com/dfryer1193/mjolnir/utils"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/hlog"
)

const keyPrefix = "flowbeacon:ratelimit"

// Store decides where per-route counters live: in process memory, or in
// Redis when a URL is configured.
type Store struct {
	client *redis.Client
}

func NewStore(redisURL string) (*Store, error) {
	if redisURL == "" {
		return &Store{}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit redis url: %w", err)
	}

	return &Store{client: redis.NewClient(opts)}, nil
}

// NewStoreWithClient is used by tests to inject a client.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Shared() bool {
	return s.client != nil
}

func (s *Store) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}

// counter returns nil for the in-memory store, which lets httprate fall back
// to its local counter.
func (s *Store) counter(route string) httprate.LimitCounter {
	if s.client == nil {
		return nil
	}
	return NewRedisCounter(s.client, keyPrefix+":"+route)
}

type limitStateKey struct{}

// limitState carries a counter failure from the error hook to the limit hook,
// which httprate calls back to back for the same request.
type limitState struct {
	err       error
	responded bool
}

var errTooManyRequests = errors.New("Too many requests, please try again later.")

// Limit builds a sliding-window limiter for one route. Requests are keyed by
// caller and route; once the route's limit is reached within the window the
// request is answered with 429 and next is never called. A counter failure
// is answered with a single 500.
func (s *Store) Limit(route string, limit int, window time.Duration, callerKey httprate.KeyFunc) func(http.Handler) http.Handler {
	opts := []httprate.Option{
		httprate.WithKeyFuncs(callerKey, httprate.Key(route)),
		httprate.WithLimitHandler(onLimited),
		httprate.WithErrorHandler(onError),
	}
	if c := s.counter(route); c != nil {
		opts = append(opts, httprate.WithLimitCounter(c))
	}
	limiter := httprate.Limit(limit, window, opts...)

	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &limitState{}
			limited.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), limitStateKey{}, state)))

			// key errors reach onError without a following onLimited
			if state.err != nil && !state.responded {
				respond(w, r, limiterFailure(state.err))
			}
		})
	}
}

// CallerKey picks how a caller is identified. With hops trusted proxies in
// front of the service, the caller is the address that many entries back
// along the forwarding chain, counting the socket peer as the first entry.
// Entries further left in X-Forwarded-For are client supplied and ignored.
func CallerKey(hops int) httprate.KeyFunc {
	if hops <= 0 {
		return httprate.KeyByIP
	}
	return func(r *http.Request) (string, error) {
		return clientAddr(r, hops), nil
	}
}

func clientAddr(r *http.Request, hops int) string {
	chain := []string{peerAddr(r.RemoteAddr)}
	forwarded := forwardedFor(r.Header)
	for i := len(forwarded) - 1; i >= 0; i-- {
		chain = append(chain, forwarded[i])
	}

	if hops >= len(chain) {
		hops = len(chain) - 1
	}
	return canonicalAddr(chain[hops])
}

func forwardedFor(h http.Header) []string {
	var addrs []string
	for _, value := range h.Values("X-Forwarded-For") {
		for _, addr := range strings.Split(value, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs
}

func peerAddr(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func canonicalAddr(addr string) string {
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return addr
}

func limiterFailure(err error) *mjolnirUtils.ApiError {
	return mjolnirUtils.InternalServerErr(fmt.Errorf("rate limiter failure: %w", err))
}

func respond(w http.ResponseWriter, r *http.Request, apiErr *mjolnirUtils.ApiError) {
	mjolnirUtils.ErrorHandler(func(http.ResponseWriter, *http.Request) *mjolnirUtils.ApiError {
		return apiErr
	})(w, r)
}

func onLimited(w http.ResponseWriter, r *http.Request) {
	state, _ := r.Context().Value(limitStateKey{}).(*limitState)
	if state != nil && state.err != nil {
		state.responded = true
		respond(w, r, limiterFailure(state.err))
		return
	}

	hlog.FromRequest(r).Warn().Str("path", r.URL.Path).Msg("rate limit exceeded")
	respond(w, r, mjolnirUtils.NewApiError(errTooManyRequests, http.StatusTooManyRequests))
}

// onError only records the failure. httprate follows a counter error with
// onLimited, which writes the response.
func onError(w http.ResponseWriter, r *http.Request, err error) {
	if state, ok := r.Context().Value(limitStateKey{}).(*limitState); ok {
		state.err = err
		return
	}
	respond(w, r, limiterFailure(err))
}
