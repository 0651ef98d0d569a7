package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-realtime/pkg/core"
	"github.com/vango-go/vai-realtime/pkg/gateway/apierror"
	"github.com/vango-go/vai-realtime/pkg/gateway/principal"
	"github.com/vango-go/vai-realtime/pkg/gateway/ratelimit"
)

// RateLimit applies per-client limits to websocket upgrades only. Plain HTTP
// requests (health, metrics, preflight) pass through. The session permit is
// held until next returns, which for an upgraded request is the end of the
// relay session.
func RateLimit(limiter *ratelimit.Limiter, trustProxyHeaders bool, onReject func(reason string), next http.Handler) http.Handler {
	if !limiter.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		client := principal.Resolve(r, trustProxyHeaders)
		now := time.Now()

		dec := limiter.AcquireUpgrade(client.Key, now)
		if !dec.Allowed {
			reject(w, r, onReject, "upgrade_rate", "too many connection attempts", dec.RetryAfter)
			return
		}

		dec = limiter.AcquireSession(client.Key, now)
		if !dec.Allowed {
			reject(w, r, onReject, "client_sessions", "too many concurrent sessions for this client", dec.RetryAfter)
			return
		}
		defer dec.Permit.Release()

		next.ServeHTTP(w, r)
	})
}

func reject(w http.ResponseWriter, r *http.Request, onReject func(string), reason, message string, retryAfter int) {
	if onReject != nil {
		onReject(reason)
	}
	if retryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	}
	reqID, _ := RequestIDFrom(r.Context())
	apierror.Write(w, core.NewRateLimitError(message, retryAfter), reqID)
}
