package posthog

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dfryer1193/flowbeacon/internal/config"
	"github.com/dfryer1193/flowbeacon/internal/ratelimit"
	mjolnirUtils "github.com/dfryer1193/mjolnir/utils"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstreamRequest struct {
	Method        string
	Path          string
	RawQuery      string
	Host          string
	Header        http.Header
	ContentLength int64
	Body          string
}

type fakeUpstream struct {
	*httptest.Server

	mu       sync.Mutex
	requests []upstreamRequest

	status      int
	contentType string
	body        string
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	u := &fakeUpstream{status: http.StatusOK, contentType: "application/json", body: `{"status":1}`}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.requests = append(u.requests, upstreamRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			RawQuery:      r.URL.RawQuery,
			Host:          r.Host,
			Header:        r.Header.Clone(),
			ContentLength: r.ContentLength,
			Body:          string(body),
		})
		status, contentType, respBody := u.status, u.contentType, u.body
		u.mu.Unlock()

		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, respBody)
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *fakeUpstream) calls() []upstreamRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstreamRequest(nil), u.requests...)
}

func (u *fakeUpstream) last(t *testing.T) upstreamRequest {
	t.Helper()
	calls := u.calls()
	require.NotEmpty(t, calls, "upstream was never called")
	return calls[len(calls)-1]
}

func newTestConfig(apiHost string) *config.Config {
	cfg := &config.Config{
		RestEndpoint:   "rest",
		PayloadSizeMax: 1,
	}
	cfg.Diagnostics.PostHog.APIHost = apiHost
	return cfg
}

func newRouter(t *testing.T, apiHost string, opts ...Option) http.Handler {
	t.Helper()
	ctrl, err := NewController(newTestConfig(apiHost), opts...)
	require.NoError(t, err)

	router := chi.NewRouter()
	ctrl.Register(router)
	return router
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) mjolnirUtils.ErrorResponse {
	t.Helper()
	var body mjolnirUtils.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestSharedProxyStripsCookieAndMountPrefix(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/rest/posthog/static/array.js?v=1", nil)
	req.Header.Set("Cookie", "n8n-auth=secret")
	req.Header.Set("User-Agent", "beacon-test")

	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"status":1}`, rec.Body.String())

	got := upstream.last(t)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/static/array.js", got.Path)
	assert.Equal(t, "v=1", got.RawQuery)
	assert.Empty(t, got.Header.Get("Cookie"))
	assert.Empty(t, got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "beacon-test", got.Header.Get("User-Agent"))
	assert.Equal(t, strings.TrimPrefix(upstream.URL, "http://"), got.Host, "host is rewritten to the upstream")
}

func TestSharedProxyNeverForwardsCookies(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	for _, route := range Routes() {
		if route.Strategy == ManualRelay {
			continue
		}
		path := strings.Replace(route.Path, "{apiKey}", "phc_key", 1)
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(route.Method, "/rest/posthog"+path, strings.NewReader(`{"event":"x"}`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Cookie", "a=b")

			rec := serve(router, req)
			require.Equal(t, http.StatusOK, rec.Code)

			got := upstream.last(t)
			assert.Equal(t, path, got.Path)
			assert.Empty(t, got.Header.Values("Cookie"))
		})
	}
}

func TestFormBodyIsReencoded(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/rest/posthog/capture/", strings.NewReader("b=x%20y&a=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=utf-8")

	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got := upstream.last(t)
	assert.Equal(t, "/capture/", got.Path)
	assert.Equal(t, "b=x+y&a=1", got.Body, "field order is kept")
	assert.Equal(t, "application/x-www-form-urlencoded", got.Header.Get("Content-Type"))
	assert.Equal(t, int64(len("b=x+y&a=1")), got.ContentLength)
}

func TestFormBodyEncoding(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	testCases := []struct {
		name string
		body string
		want string
	}{
		{name: "unreserved marks", body: "a=x*y~z", want: "a=x*y%7Ez"},
		{name: "semicolon stays in the value", body: "a=1;b=2", want: "a=1%3Bb%3D2"},
		{name: "bad escape kept as sent", body: "data=%zz", want: "data=%25zz"},
		{name: "repeated key", body: "x=1&y=2&x=3", want: "x=1%2C3&y=2"},
		{name: "empty pairs dropped", body: "&a=1&&=2&b", want: "a=1&b="},
		{name: "utf-8", body: "n=%C3%A9t%C3%A9", want: "n=%C3%A9t%C3%A9"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/rest/posthog/e/", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

			rec := serve(router, req)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.want, upstream.last(t).Body)
		})
	}
}

func TestJSONBodyIsForwardedUnchanged(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	payload := `{"api_key":"phc","event":"$pageview","properties":{"b":2,"a":1}}`
	req := httptest.NewRequest(http.MethodPost, "/rest/posthog/batch/", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Custom", "kept")

	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got := upstream.last(t)
	assert.Equal(t, "/batch/", got.Path)
	assert.Equal(t, payload, got.Body)
	assert.Equal(t, "application/json", got.Header.Get("Content-Type"))
	assert.Equal(t, "kept", got.Header.Get("X-Custom"))
	assert.Equal(t, int64(len(payload)), got.ContentLength)
}

func TestArrayConfigPath(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.contentType = "application/javascript"
	upstream.body = "window._POSTHOG_CONFIG = {}"
	router := newRouter(t, upstream.URL)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/rest/posthog/array/phc_abc/config.js", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/javascript", rec.Header().Get("Content-Type"))
	assert.Equal(t, "window._POSTHOG_CONFIG = {}", rec.Body.String())
	assert.Equal(t, "/array/phc_abc/config.js", upstream.last(t).Path)
}

func TestUpstreamStatusIsRelayed(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.status = http.StatusBadRequest
	upstream.body = `{"error":"bad"}`
	router := newRouter(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/rest/posthog/decide/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	rec := serve(router, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, `{"error":"bad"}`, rec.Body.String())
}

func TestSharedProxyUpstreamDown(t *testing.T) {
	upstream := newFakeUpstream(t)
	host := upstream.URL
	upstream.Close()
	router := newRouter(t, host)

	before := testutil.ToFloat64(upstreamErrorsTotal.WithLabelValues("/engage/"))

	req := httptest.NewRequest(http.MethodPost, "/rest/posthog/engage/", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")

	rec := serve(router, req)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, http.StatusInternalServerError, decodeError(t, rec).Code)
	assert.NotContains(t, rec.Body.String(), "127.0.0.1", "upstream details stay in the log")
	assert.Equal(t, before+1, testutil.ToFloat64(upstreamErrorsTotal.WithLabelValues("/engage/")))
}

func TestFlagsRelay(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.contentType = "text/plain"
	upstream.body = `{"flags":{}}`
	router := newRouter(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/rest/posthog/flags/?v=2", strings.NewReader("token=abc"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Cookie", "n8n-auth=secret")

	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), "content type is always json")
	assert.Equal(t, `{"flags":{}}`, rec.Body.String())

	got := upstream.last(t)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/flags/", got.Path)
	assert.Equal(t, "v=2", got.RawQuery)
	assert.Equal(t, "token=abc", got.Body)
	assert.Equal(t, "application/x-www-form-urlencoded", got.Header.Get("Content-Type"))
	assert.Empty(t, got.Header.Get("Cookie"))
}

func TestFlagsRelayFlattensJSON(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/rest/posthog/flags/", strings.NewReader(
		`{"token":"abc","distinct_id":42,"groups":{"org":"x"},"tags":["a",null,"b"],"beta":true}`))
	req.Header.Set("Content-Type", "application/json")

	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)

	got := upstream.last(t)
	assert.Empty(t, got.RawQuery)
	assert.Equal(t, "token=abc&distinct_id=42&groups=%5Bobject+Object%5D&tags=a%2C%2Cb&beta=true", got.Body)
}

func TestFlagsRelayPassesUpstreamStatus(t *testing.T) {
	upstream := newFakeUpstream(t)
	upstream.status = http.StatusUnauthorized
	upstream.body = "not json at all"
	router := newRouter(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/rest/posthog/flags/", strings.NewReader("token=abc"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := serve(router, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "not json at all", rec.Body.String())
}

func TestFlagsRelayUpstreamDown(t *testing.T) {
	upstream := newFakeUpstream(t)
	host := upstream.URL
	upstream.Close()
	router := newRouter(t, host)

	req := httptest.NewRequest(http.MethodPost, "/rest/posthog/flags/?v=2", strings.NewReader("token=abc"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := serve(router, req)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", decodeError(t, rec).Error)
}

func TestFlagsRelayForwardsMalformedForm(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	for body, want := range map[string]string{
		"token=abc;x=1":      "token=abc%3Bx%3D1",
		"token=abc&data=%zz": "token=abc&data=%25zz",
	} {
		req := httptest.NewRequest(http.MethodPost, "/rest/posthog/flags/", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		rec := serve(router, req)
		require.Equal(t, http.StatusOK, rec.Code, body)
		assert.Equal(t, want, upstream.last(t).Body)
	}
}

func TestOversizedBodyIsRejected(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	big := "data=" + strings.Repeat("x", 1<<20)
	for _, path := range []string{"/rest/posthog/capture/", "/rest/posthog/flags/"} {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(big))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		rec := serve(router, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code, path)
		assert.Equal(t, "request entity too large", decodeError(t, rec).Error, path)
	}

	// chunked bodies carry no length up front
	req := httptest.NewRequest(http.MethodPost, "/rest/posthog/s/", io.NopCloser(strings.NewReader(big)))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(router, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	assert.Empty(t, upstream.calls())
}

func TestCaptureRateLimit(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/rest/posthog/capture/", strings.NewReader("a=1"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.RemoteAddr = "198.51.100.7:4242"
		return serve(router, req).Code
	}

	for i := 0; i < 200; i++ {
		require.Equal(t, http.StatusOK, send(), "request %d", i+1)
	}

	assert.Equal(t, http.StatusTooManyRequests, send())
	assert.Len(t, upstream.calls(), 200, "rejected request never reaches the upstream")
}

func TestRateLimitBehindProxyUsesTrustedHop(t *testing.T) {
	upstream := newFakeUpstream(t)
	cfg := newTestConfig(upstream.URL)
	cfg.ProxyHops = 1
	store, err := ratelimit.NewStore("")
	require.NoError(t, err)

	ctrl, err := NewController(cfg, WithRateLimitStore(store))
	require.NoError(t, err)
	router := chi.NewRouter()
	ctrl.Register(router)

	limited := 0
	for i := 0; i < 30; i++ {
		req := httptest.NewRequest(http.MethodGet, "/rest/posthog/array/k/config.js", nil)
		req.RemoteAddr = "10.0.0.2:4000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d, 198.51.100.7", i))
		if serve(router, req).Code == http.StatusTooManyRequests {
			limited++
		}
	}

	assert.Equal(t, 10, limited, "a rotating leftmost address does not reset the budget")
	assert.Len(t, upstream.calls(), 20)
}

func TestUnknownRouteIsNotProxied(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/rest/posthog/api/projects/", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/rest/posthog/capture/", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	assert.Empty(t, upstream.calls())
}

func TestRequestsAreCounted(t *testing.T) {
	upstream := newFakeUpstream(t)
	router := newRouter(t, upstream.URL)

	counter := requestsTotal.WithLabelValues("/static/surveys.js", PassThrough.String())
	before := testutil.ToFloat64(counter)

	serve(router, httptest.NewRequest(http.MethodGet, "/rest/posthog/static/surveys.js", nil))
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
