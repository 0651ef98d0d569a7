package apierror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/vango-go/vai-realtime/pkg/core"
)

func TestFromError_ContextCanceled_Is408Cancelled(t *testing.T) {
	ce, status := FromError(context.Canceled, "req_test")
	if status != 408 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != core.ErrAPI {
		t.Fatalf("type=%q", ce.Type)
	}
	if ce.Code != "cancelled" {
		t.Fatalf("code=%q", ce.Code)
	}
	if ce.RequestID != "req_test" {
		t.Fatalf("request_id=%q", ce.RequestID)
	}
}

func TestFromError_Overloaded_Is529(t *testing.T) {
	ce, status := FromError(core.NewOverloadedError("session limit reached"), "req_test")
	if status != 529 {
		t.Fatalf("status=%d", status)
	}
	if ce.Type != core.ErrOverloaded {
		t.Fatalf("type=%q", ce.Type)
	}
}

func TestFromError_RateLimit_Is429WithRetryAfter(t *testing.T) {
	ce, status := FromError(core.NewRateLimitError("too many upgrades", 3), "req_test")
	if status != 429 {
		t.Fatalf("status=%d", status)
	}
	if ce.RetryAfter == nil || *ce.RetryAfter != 3 {
		t.Fatalf("retry_after=%v", ce.RetryAfter)
	}
}

func TestFromError_WrappedCredentialError_Is502WithoutCause(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("open: %w", core.NewCredentialError("credential request failed", cause))

	ce, status := FromError(err, "req_test")
	if status != 502 {
		t.Fatalf("status=%d", status)
	}
	if ce.Cause != nil {
		t.Fatalf("cause leaked: %v", ce.Cause)
	}
	if ce.Message != "credential request failed" {
		t.Fatalf("message=%q", ce.Message)
	}
}

func TestFromError_Unknown_IsInternal(t *testing.T) {
	ce, status := FromError(errors.New("boom"), "req_test")
	if status != 500 {
		t.Fatalf("status=%d", status)
	}
	if ce.Message != "internal error" {
		t.Fatalf("message=%q", ce.Message)
	}
}

func TestWrite_Envelope(t *testing.T) {
	rr := httptest.NewRecorder()
	Write(rr, core.NewInvalidRequestErrorWithParam("origin is not allowed", "Origin"), "req_1")

	if rr.Code != 400 {
		t.Fatalf("status=%d", rr.Code)
	}
	var env struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Error["param"] != "Origin" || env.Error["request_id"] != "req_1" {
		t.Fatalf("envelope=%v", env.Error)
	}
}
