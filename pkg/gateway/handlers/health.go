package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-realtime/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-realtime/pkg/gateway/live/sessions"
)

const readyRegistryTimeout = time.Second

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// ReadyHandler reports whether this instance should receive new sessions.
// It fails while draining, when the shared registry is unreachable, and when
// the session ceiling is reached.
type ReadyHandler struct {
	Lifecycle   *lifecycle.Lifecycle
	Sessions    *sessions.Tracker
	Registry    sessions.Registry
	MaxSessions int
}

type readyResp struct {
	OK               bool     `json:"ok"`
	Draining         bool     `json:"draining"`
	LocalSessions    int      `json:"local_sessions"`
	RegistrySessions *int     `json:"registry_sessions,omitempty"`
	MaxSessions      int      `json:"max_sessions,omitempty"`
	Issues           []string `json:"issues,omitempty"`
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := readyResp{
		Draining:      h.Lifecycle.IsDraining(),
		LocalSessions: h.Sessions.Count(),
		MaxSessions:   h.MaxSessions,
	}
	if resp.Draining {
		resp.Issues = append(resp.Issues, "draining")
	}

	if h.Registry != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readyRegistryTimeout)
		n, err := h.Registry.Count(ctx)
		cancel()
		if err != nil {
			resp.Issues = append(resp.Issues, "session registry unavailable")
		} else {
			resp.RegistrySessions = &n
			if h.MaxSessions > 0 && n >= h.MaxSessions {
				resp.Issues = append(resp.Issues, "session limit reached")
			}
		}
	}

	resp.OK = len(resp.Issues) == 0
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
