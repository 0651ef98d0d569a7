package mw

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/vango-go/vai-realtime/pkg/gateway/ratelimit"
)

func upgradeRequest(remote string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/realtime", nil)
	req.RemoteAddr = remote
	req.Header.Set("Connection", "keep-alive, Upgrade")
	req.Header.Set("Upgrade", "websocket")
	return req
}

func TestRateLimit_Burst429IncludesRetryAfter(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{
		UpgradeRPS:   1,
		UpgradeBurst: 1,
	})

	var reasons []string
	h := RateLimit(lim, false, func(reason string) { reasons = append(reasons, reason) }, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	{
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, upgradeRequest("10.0.0.1:5000"))
		if rr.Code != http.StatusOK {
			t.Fatalf("first request status=%d body=%q", rr.Code, rr.Body.String())
		}
	}

	{
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, upgradeRequest("10.0.0.1:5001"))
		if rr.Code != http.StatusTooManyRequests {
			t.Fatalf("second request status=%d body=%q", rr.Code, rr.Body.String())
		}
		if got := rr.Header().Get("Retry-After"); got == "" {
			t.Fatalf("expected Retry-After header")
		}
		if body := rr.Body.String(); !strings.Contains(body, `"type":"rate_limit_error"`) {
			t.Fatalf("unexpected body: %q", body)
		}
	}

	{
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, upgradeRequest("10.0.0.2:5000"))
		if rr.Code != http.StatusOK {
			t.Fatalf("other client status=%d", rr.Code)
		}
	}

	if len(reasons) != 1 || reasons[0] != "upgrade_rate" {
		t.Fatalf("reasons=%v", reasons)
	}
}

func TestRateLimit_ConcurrentSessionsPerClient(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{MaxSessionsPerClient: 1})

	started := make(chan struct{})
	release := make(chan struct{})

	var once sync.Once
	h := RateLimit(lim, false, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	wg.Add(1)
	firstCode := 0
	go func() {
		defer wg.Done()
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, upgradeRequest("10.0.0.1:5000"))
		firstCode = rr.Code
	}()

	<-started

	rr2 := httptest.NewRecorder()
	h.ServeHTTP(rr2, upgradeRequest("10.0.0.1:5001"))
	if rr2.Code != http.StatusTooManyRequests {
		t.Fatalf("second session status=%d body=%q", rr2.Code, rr2.Body.String())
	}

	close(release)
	wg.Wait()
	if firstCode != http.StatusOK {
		t.Fatalf("first session status=%d", firstCode)
	}

	// Slot is returned once the first session ends.
	rr3 := httptest.NewRecorder()
	h.ServeHTTP(rr3, upgradeRequest("10.0.0.1:5002"))
	if rr3.Code != http.StatusOK {
		t.Fatalf("third session status=%d", rr3.Code)
	}
}

func TestRateLimit_PlainHTTPPassesThrough(t *testing.T) {
	lim := ratelimit.New(ratelimit.Config{UpgradeRPS: 1, UpgradeBurst: 1})

	h := RateLimit(lim, false, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusNoContent {
			t.Fatalf("request %d status=%d", i, rr.Code)
		}
	}
}

func TestRateLimit_DisabledLimiterIsNoop(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	h := RateLimit(nil, false, nil, next)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, upgradeRequest("10.0.0.1:1"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
}
