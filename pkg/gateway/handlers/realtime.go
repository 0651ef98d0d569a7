package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-realtime/pkg/core"
	"github.com/vango-go/vai-realtime/pkg/core/realtime"
	"github.com/vango-go/vai-realtime/pkg/gateway/apierror"
	"github.com/vango-go/vai-realtime/pkg/gateway/config"
	"github.com/vango-go/vai-realtime/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-realtime/pkg/gateway/live/session"
	"github.com/vango-go/vai-realtime/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-realtime/pkg/gateway/metrics"
	"github.com/vango-go/vai-realtime/pkg/gateway/mw"
)

const registryReleaseTimeout = 2 * time.Second

// RealtimeHandler handles /v1/realtime websocket sessions.
type RealtimeHandler struct {
	Config      config.Config
	Credentials realtime.CredentialSource
	Dialer      realtime.Dialer
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
	Lifecycle   *lifecycle.Lifecycle
	Sessions    *sessions.Tracker
	Registry    sessions.Registry

	// NewUpstream overrides the realtime.Upstream built per session.
	NewUpstream session.UpstreamFactory
}

func (h RealtimeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.logger()

	if r.Method != http.MethodGet {
		apierror.WriteStatus(w, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID}, http.StatusMethodNotAllowed)
		return
	}
	if h.Lifecycle.IsDraining() {
		h.rejected("draining")
		apierror.WriteStatus(w, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: "draining", RequestID: reqID}, apierror.StatusOverloaded)
		return
	}
	if !h.originAllowed(r) {
		h.rejected("origin")
		apierror.WriteStatus(w, &core.Error{Type: core.ErrPermission, Message: "origin is not allowed", Param: "Origin", RequestID: reqID}, http.StatusForbidden)
		return
	}

	sessionID := uuid.NewString()

	if h.Registry != nil {
		if err := h.Registry.Acquire(r.Context(), sessionID); err != nil {
			if core.TypeOf(err) == core.ErrOverloaded {
				h.rejected("capacity")
			} else {
				h.rejected("registry")
				logger.Error("session registry acquire failed", "request_id", reqID, "error", err)
			}
			apierror.Write(w, err, reqID)
			return
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), registryReleaseTimeout)
			defer cancel()
			if err := h.Registry.Release(ctx, sessionID); err != nil {
				logger.Warn("session registry release failed", "session_id", sessionID, "error", err)
			}
		}()
	}

	upgrader := websocket.Upgrader{
		// Origin was checked above against the allowlist.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxMessageBytes)
	}

	var sessionMetrics session.Metrics
	if h.Metrics != nil {
		sessionMetrics = h.Metrics
	}

	s, err := session.New(session.Dependencies{
		Conn:        conn,
		Logger:      logger,
		NewUpstream: h.upstreamFactory(logger.With("session_id", sessionID)),
		Metrics:     sessionMetrics,
		SessionID:   sessionID,
		RequestID:   reqID,
		Config:      sessionConfig(h.Config),
	})
	if err != nil {
		logger.Error("failed to initialize realtime session", "request_id", reqID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "failed to initialize session"),
			time.Now().Add(2*time.Second))
		return
	}

	startedAt := time.Now()
	unregister := h.Sessions.Register(sessionID, sessions.Handle{
		RequestID:  reqID,
		RemoteAddr: r.RemoteAddr,
		StartedAt:  startedAt,
		Cancel:     s.Cancel,
		Warn:       s.SendWarning,
	})
	defer unregister()

	if h.Registry != nil && h.Config.SessionHeartbeat > 0 {
		hbCtx, stopHeartbeat := context.WithCancel(context.Background())
		defer stopHeartbeat()
		go sessions.KeepAlive(hbCtx, h.Registry, sessionID, h.Config.SessionHeartbeat, func(err error) {
			logger.Warn("session heartbeat failed", "session_id", sessionID, "error", err)
		})
	}

	if h.Metrics != nil {
		h.Metrics.SessionStarted()
	}
	logger.Info("realtime session started", "session_id", sessionID, "request_id", reqID)

	runErr := s.Run()

	result := "ok"
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		result = "error"
		logger.Warn("realtime session ended with error", "session_id", sessionID, "request_id", reqID, "error", runErr)
	}
	if h.Metrics != nil {
		h.Metrics.SessionEnded(result, time.Since(startedAt))
	}
	logger.Info("realtime session ended", "session_id", sessionID, "request_id", reqID, "duration_ms", time.Since(startedAt).Milliseconds())
}

func (h RealtimeHandler) upstreamFactory(logger *slog.Logger) session.UpstreamFactory {
	if h.NewUpstream != nil {
		return h.NewUpstream
	}
	upstreamCfg := h.Config.Upstream()
	return func(obs realtime.Observer) session.Upstream {
		return realtime.NewUpstream(upstreamCfg, h.Credentials, h.Dialer, obs, logger)
	}
}

// originAllowed admits non-browser clients (no Origin) and allowlisted
// browser origins only.
func (h RealtimeHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h RealtimeHandler) rejected(reason string) {
	if h.Metrics != nil {
		h.Metrics.Rejected(reason)
	}
}

func (h RealtimeHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

func sessionConfig(cfg config.Config) session.Config {
	// Config.Validate has already rejected unknown policies.
	policy, _ := session.ParseToolFailurePolicy(cfg.ToolFailurePolicy)
	return session.Config{
		MaxAudioFrameBytes:     cfg.MaxAudioFrameBytes,
		MaxJSONMessageBytes:    cfg.MaxMessageBytes,
		MaxAudioFPS:            cfg.MaxAudioFPS,
		MaxAudioBytesPerSecond: cfg.MaxAudioBytesPerSecond,
		InboundBurstSeconds:    cfg.InboundBurstSeconds,
		PingInterval:           cfg.WSPingInterval,
		WriteTimeout:           cfg.WSWriteTimeout,
		ReadTimeout:            cfg.WSReadTimeout,
		ToolTimeout:            cfg.ToolTimeout,
		ToolFailurePolicy:      policy,
		CommitOnSpeechStopped:  cfg.CommitOnSpeechStopped,
		FlushAudioOnInterrupt:  cfg.FlushAudioOnInterrupt,
		OutboundQueueSize:      cfg.OutboundQueueSize,
		MaxBackpressurePerMin:  cfg.MaxBackpressurePerMin,
	}
}
