package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"threat-bot/api/internal/handle"
)

const DetectRoute = "/detect-threat/"

type Options struct {
	// RateLimitRequests per RateLimitWindow per client IP on the ingestion
	// route. 0 disables the limiter.
	RateLimitRequests int
	RateLimitWindow   time.Duration
	HealthzBody       string
}

func NewRouter(h *handle.Handle, opt Options) http.Handler {
	if opt.HealthzBody == "" {
		opt.HealthzBody = "ok"
	}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(opt.HealthzBody))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if opt.RateLimitRequests > 0 && opt.RateLimitWindow > 0 {
			r.Use(httprate.LimitByIP(opt.RateLimitRequests, opt.RateLimitWindow))
		}
		r.Post(DetectRoute, h.DetectThreat)
		r.Post("/detect-threat", h.DetectThreat)
	})
	return r
}

// New returns a server with conservative timeouts. Write timeout covers a
// slow upstream classification.
func New(addr string, handler http.Handler, classifyTimeout time.Duration) *http.Server {
	if classifyTimeout <= 0 {
		classifyTimeout = 90 * time.Second
	}
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      classifyTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
