package posthog

import (
	"fmt"
	"net/http"
	"time"
)

// Strategy is how a route's request reaches the upstream.
type Strategy int

const (
	// PassThrough forwards the request through the shared proxy untouched
	// apart from the cookie and path rewrites.
	PassThrough Strategy = iota + 1
	// FormReencode goes through the shared proxy, but form bodies are parsed
	// and re-serialized before forwarding.
	FormReencode
	// ManualRelay skips the shared proxy and performs its own POST.
	ManualRelay
)

func (s Strategy) String() string {
	switch s {
	case PassThrough:
		return "pass_through"
	case FormReencode:
		return "form_reencode"
	case ManualRelay:
		return "manual_relay"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

const limitWindow = 60 * time.Second

type Route struct {
	Method   string
	Path     string
	Public   bool
	Limit    int
	Window   time.Duration
	Strategy Strategy
}

func Routes() []Route {
	return []Route{
		{Method: http.MethodPost, Path: "/capture/", Public: true, Limit: 200, Window: limitWindow, Strategy: FormReencode},
		{Method: http.MethodPost, Path: "/decide/", Public: true, Limit: 100, Window: limitWindow, Strategy: FormReencode},
		{Method: http.MethodPost, Path: "/s/", Public: true, Limit: 50, Window: limitWindow, Strategy: FormReencode},
		{Method: http.MethodPost, Path: "/e/", Public: true, Limit: 50, Window: limitWindow, Strategy: FormReencode},
		{Method: http.MethodPost, Path: "/engage/", Public: true, Limit: 50, Window: limitWindow, Strategy: FormReencode},
		{Method: http.MethodPost, Path: "/batch/", Public: true, Limit: 100, Window: limitWindow, Strategy: FormReencode},
		{Method: http.MethodPost, Path: "/flags/", Public: true, Limit: 100, Window: limitWindow, Strategy: ManualRelay},
		{Method: http.MethodGet, Path: "/static/array.js", Public: true, Limit: 50, Window: limitWindow, Strategy: PassThrough},
		{Method: http.MethodGet, Path: "/static/lazy-recorder.js", Public: true, Limit: 50, Window: limitWindow, Strategy: PassThrough},
		{Method: http.MethodGet, Path: "/static/surveys.js", Public: true, Limit: 50, Window: limitWindow, Strategy: PassThrough},
		{Method: http.MethodGet, Path: "/array/{apiKey}/config.js", Public: true, Limit: 20, Window: limitWindow, Strategy: PassThrough},
	}
}
