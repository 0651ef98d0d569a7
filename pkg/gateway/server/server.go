package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/vai-realtime/pkg/core/realtime"
	"github.com/vango-go/vai-realtime/pkg/gateway/config"
	"github.com/vango-go/vai-realtime/pkg/gateway/handlers"
	"github.com/vango-go/vai-realtime/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-realtime/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-realtime/pkg/gateway/metrics"
	"github.com/vango-go/vai-realtime/pkg/gateway/mw"
	"github.com/vango-go/vai-realtime/pkg/gateway/ratelimit"
)

// Deps are the process-wide collaborators shared by all sessions. Nil
// fields get in-process defaults.
type Deps struct {
	Lifecycle   *lifecycle.Lifecycle
	Sessions    *sessions.Tracker
	Registry    sessions.Registry
	Metrics     *metrics.Metrics
	Credentials realtime.CredentialSource
	Dialer      realtime.Dialer
}

type Server struct {
	cfg     config.Config
	logger  *slog.Logger
	mux     *http.ServeMux
	deps    Deps
	limiter *ratelimit.Limiter
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = &lifecycle.Lifecycle{}
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewTracker()
	}
	if deps.Registry == nil {
		deps.Registry = sessions.NewMemoryRegistry(cfg.MaxSessions)
	}
	if deps.Credentials == nil {
		deps.Credentials = realtime.NewCredentialBroker(cfg.Credentials(), newHTTPClient(cfg), logger)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		deps:   deps,
		limiter: ratelimit.New(ratelimit.Config{
			UpgradeRPS:           cfg.UpgradeRPS,
			UpgradeBurst:         cfg.UpgradeBurst,
			MaxSessionsPerClient: cfg.MaxSessionsPerClient,
		}),
	}

	s.routes()
	return s
}

func newHTTPClient(cfg config.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.CredentialTimeout,
		},
	}
}

func (s *Server) routes() {
	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Lifecycle:   s.deps.Lifecycle,
		Sessions:    s.deps.Sessions,
		Registry:    s.deps.Registry,
		MaxSessions: s.cfg.MaxSessions,
	})
	if s.cfg.MetricsEnabled && s.deps.Metrics != nil {
		s.mux.Handle(s.cfg.MetricsPath, s.deps.Metrics.Handler())
	}

	s.mux.Handle("/v1/realtime", handlers.RealtimeHandler{
		Config:      s.cfg,
		Credentials: s.deps.Credentials,
		Dialer:      s.deps.Dialer,
		Logger:      s.logger,
		Metrics:     s.deps.Metrics,
		Lifecycle:   s.deps.Lifecycle,
		Sessions:    s.deps.Sessions,
		Registry:    s.deps.Registry,
	})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.limiter, s.cfg.TrustProxyHeaders, s.onReject, h)
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// SetDraining makes readiness fail and refuses new realtime sessions.
func (s *Server) SetDraining() {
	s.deps.Lifecycle.SetDraining(true)
}

func (s *Server) IsDraining() bool {
	return s.deps.Lifecycle.IsDraining()
}

// WarnLiveSessionsDraining tells every connected client the gateway is going
// away. It returns how many sessions were warned.
func (s *Server) WarnLiveSessionsDraining() int {
	return s.deps.Sessions.WarnAll("draining", "gateway is shutting down; reconnect to continue")
}

// WaitLiveSessions blocks until all sessions end or ctx is done. It reports
// whether every session ended.
func (s *Server) WaitLiveSessions(ctx context.Context) bool {
	return s.deps.Sessions.Wait(ctx)
}

func (s *Server) CancelLiveSessions() int {
	return s.deps.Sessions.CancelAll()
}

func (s *Server) LiveSessionCount() int {
	return s.deps.Sessions.Count()
}

func (s *Server) onReject(reason string) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.Rejected(reason)
	}
}
