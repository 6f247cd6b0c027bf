package rpc

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"yieldsource/adapter"
	"yieldsource/history"
	"yieldsource/observability/metrics"
)

// Server exposes the adapter over HTTP/JSON.
type Server struct {
	engine  *adapter.Engine
	history *history.Store
	logger  *slog.Logger
	metrics *metrics.AdapterMetrics
	auth    *Authenticator
	limiter *RateLimiter
	events  *EventStream
}

type ServerConfig struct {
	Engine            *adapter.Engine
	History           *history.Store
	Logger            *slog.Logger
	Auth              AuthConfig
	RequestsPerMinute float64
	Burst             int
	// Events, when set, backs the /v1/events websocket stream. Wire the same
	// stream into the engine's emitter fan-out.
	Events *EventStream
}

func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:  cfg.Engine,
		history: cfg.History,
		logger:  logger,
		metrics: metrics.Adapter(),
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: NewRateLimiter(cfg.RequestsPerMinute, cfg.Burst),
		events:  cfg.Events,
	}
}

// Router assembles the HTTP surface. Reads are open; state-changing routes
// sit behind bearer authentication when it is enabled.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.limiter.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/token", s.handleToken)
		v1.Get("/rate", s.handleRate)
		v1.Get("/balance/{address}", s.handleBalance)
		v1.Get("/operations", s.handleOperations)
		v1.Get("/events", s.handleEvents)

		v1.Group(func(priv chi.Router) {
			priv.Use(s.auth.Middleware)
			priv.Post("/supply", s.handleSupply)
			priv.Post("/redeem", s.handleRedeem)
			priv.Route("/admin", func(admin chi.Router) {
				admin.Post("/reapprove", s.handleReapprove)
				admin.Post("/sweep", s.handleSweep)
				admin.Post("/owner", s.handleTransferOwnership)
				admin.Post("/asset-manager", s.handleSetAssetManager)
			})
		})
	})

	return otelhttp.NewHandler(r, "rpc")
}
