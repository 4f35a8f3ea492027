package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/imgdrop/internal/health"
	"github.com/keithlinneman/imgdrop/internal/httpmw"
	"github.com/keithlinneman/imgdrop/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	// MaxBodyBytes caps request bodies; uploads larger than this fail with
	// 413 before they reach the decoder. Zero falls back to 32 MiB.
	MaxBodyBytes int64

	// APIRoutes registers the application endpoints on the router.
	APIRoutes func(chi.Router)

	UseRecoverMW bool
	OnPanic      func()

	MetricsMW   func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	Health    health.Probe
	Readiness health.Probe
}
