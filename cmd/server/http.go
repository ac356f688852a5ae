package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/warden/internal/api"
	"github.com/linnemanlabs/warden/internal/authmw"
)

const (
	healthPath = "/-/healthy"
	readyPath  = "/-/ready"

	// findings carry raw event attributes; matches the api handler limit
	maxRequestBody = 1 << 20
)

// handlerDeps is everything the main listener needs to serve.
type handlerDeps struct {
	logger      log.Logger
	api         *api.API
	tokens      []string
	healthy     http.HandlerFunc
	ready       http.HandlerFunc
	instrument  func(http.Handler) http.Handler
	trustedHops int
}

// newHandler builds the main listener: chi routes wrapped in the shared
// middleware chain. Wrappers are applied inner to outer.
func newHandler(ctx context.Context, d handlerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get(healthPath, d.healthy)
	r.Get(readyPath, d.ready)

	r.Group(func(r chi.Router) {
		if len(d.tokens) > 0 {
			r.Use(authmw.BearerToken(d.tokens...))
		} else {
			d.logger.Warn(ctx, "operator api is unauthenticated (no api-token configured)")
		}
		d.api.RegisterRoutes(r)
	})

	var h http.Handler = r

	// logger innermost so it sees trace ids and the chi route
	h = httpmw.WithLogger(d.logger)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = otelhttp.NewHandler(h, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != healthPath && r.URL.Path != readyPath
		}),
		// renamed to the route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(_ *http.Request) bool { return true }),
	)
	if d.instrument != nil {
		h = d.instrument(h)
	}
	h = httpmw.ClientIPWithOptions(httpmw.ClientIPOptions{TrustedHops: d.trustedHops})(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(d.logger, nil)(h)

	// security headers outermost so every response carries them
	return httpmw.SecurityHeaders(h)
}
