package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-realtime/pkg/core"
	"github.com/vango-go/vai-realtime/pkg/core/realtime"
	"github.com/vango-go/vai-realtime/pkg/gateway/live/protocol"
)

const defaultToolTimeout = 30 * time.Second

// ToolFailurePolicy decides what reaches the model when a tool call cannot
// complete.
type ToolFailurePolicy string

const (
	// ToolFailureSilent drops malformed and timed-out calls without telling the model.
	ToolFailureSilent ToolFailurePolicy = "silent"
	// ToolFailureReport sends an error result and asks the model to continue.
	ToolFailureReport ToolFailurePolicy = "report"
)

func ParseToolFailurePolicy(s string) (ToolFailurePolicy, error) {
	switch ToolFailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", ToolFailureSilent:
		return ToolFailureSilent, nil
	case ToolFailureReport:
		return ToolFailureReport, nil
	default:
		return "", fmt.Errorf("unknown tool failure policy %q", s)
	}
}

// ResultAction is what happens once a pending call is resolved.
type ResultAction int

const (
	// ActionSubmitAndContinue sends the result as a function_call_output item
	// and then asks for a new response.
	ActionSubmitAndContinue ResultAction = iota
)

// PendingToolCall is a tool call waiting for its client result.
type PendingToolCall struct {
	CallID   string
	Name     string
	Args     map[string]any
	Deadline time.Time
	Action   ResultAction

	timer stopper
}

type stopper interface {
	Stop() bool
}

// UpstreamSender writes events to the upstream session.
type UpstreamSender interface {
	Send(ctx context.Context, ev realtime.ClientEvent) error
}

// ClientEmitter delivers relay events to the browser client.
type ClientEmitter interface {
	AudioChunk(audioB64 string) error
	Interrupt() error
	ToolRequest(req protocol.ServerToolRequest) error
	ToolProgress(callID, delta string) error
	Log(level, code, message string) error
}

type ToolBrokerConfig struct {
	Timeout   time.Duration
	Policy    ToolFailurePolicy
	Now       func() time.Time
	AfterFunc func(d time.Duration, f func()) stopper
	// OnOutcome observes dispatched, resolved, timeout and abandoned calls.
	OnOutcome func(outcome string)
}

// ToolBroker tracks tool calls between the upstream model and the client.
// At most one entry exists per call id; resolve and expiry race safely and
// exactly one of them wins.
type ToolBroker struct {
	ctx      context.Context
	cfg      ToolBrokerConfig
	upstream UpstreamSender
	client   ClientEmitter
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]*PendingToolCall
	closed  bool
}

func NewToolBroker(ctx context.Context, cfg ToolBrokerConfig, upstream UpstreamSender, client ClientEmitter, logger *slog.Logger) *ToolBroker {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultToolTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = ToolFailureSilent
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolBroker{
		ctx:      ctx,
		cfg:      cfg,
		upstream: upstream,
		client:   client,
		logger:   logger,
		pending:  make(map[string]*PendingToolCall),
	}
}

// Dispatch registers a call, starts its timer and asks the client to run it.
// It returns false when the id is already pending or the broker is closed.
func (b *ToolBroker) Dispatch(callID, name string, args map[string]any) bool {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return false
	}
	if args == nil {
		args = map[string]any{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	if _, exists := b.pending[callID]; exists {
		b.mu.Unlock()
		b.logger.Debug("ignoring duplicate tool call", "call_id", callID)
		return false
	}
	entry := &PendingToolCall{
		CallID:   callID,
		Name:     name,
		Args:     args,
		Deadline: b.cfg.Now().Add(b.cfg.Timeout),
		Action:   ActionSubmitAndContinue,
	}
	b.pending[callID] = entry
	entry.timer = b.cfg.AfterFunc(b.cfg.Timeout, func() { b.expire(entry) })
	b.mu.Unlock()

	b.outcome("dispatched")
	if err := b.client.ToolRequest(protocol.ServerToolRequest{
		Type:   protocol.TypeToolRequest,
		CallID: callID,
		Name:   name,
		Args:   args,
	}); err != nil {
		b.logger.Warn("failed to deliver tool request", "call_id", callID, "error", err)
	}
	return true
}

// Resolve completes a pending call with the client's result. Unknown or
// already settled ids are a no-op and return false.
func (b *ToolBroker) Resolve(ctx context.Context, callID, result string) bool {
	callID = strings.TrimSpace(callID)

	b.mu.Lock()
	entry, ok := b.pending[callID]
	if ok {
		delete(b.pending, callID)
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	b.mu.Unlock()
	if !ok {
		return false
	}

	b.outcome("resolved")
	b.continueWith(ctx, entry, result)
	return true
}

// ReportMalformed handles a completed call whose arguments did not decode.
// Nothing is registered; under the report policy the model is told.
func (b *ToolBroker) ReportMalformed(ctx context.Context, callID string, cause error) {
	b.outcome("malformed")
	if b.cfg.Policy != ToolFailureReport || strings.TrimSpace(callID) == "" {
		return
	}
	b.submitError(ctx, callID, core.NewMalformedToolArgumentsError(callID, cause))
}

// Pending returns the pending call for id, if any.
func (b *ToolBroker) Pending(callID string) (PendingToolCall, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[strings.TrimSpace(callID)]
	if !ok {
		return PendingToolCall{}, false
	}
	return *entry, true
}

func (b *ToolBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close abandons every pending call and refuses new ones.
func (b *ToolBroker) Close() {
	b.abandon(true)
}

// Abandon drops every pending call and stops their timers without sending
// anything upstream. The broker keeps accepting calls; it is used when the
// upstream connection that issued the call ids goes away.
func (b *ToolBroker) Abandon() {
	b.abandon(false)
}

func (b *ToolBroker) abandon(closeBroker bool) {
	b.mu.Lock()
	if closeBroker {
		b.closed = true
	}
	abandoned := len(b.pending)
	for id, entry := range b.pending {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(b.pending, id)
	}
	b.mu.Unlock()

	for i := 0; i < abandoned; i++ {
		b.outcome("abandoned")
	}
}

func (b *ToolBroker) expire(entry *PendingToolCall) {
	b.mu.Lock()
	current, ok := b.pending[entry.CallID]
	if !ok || current != entry {
		b.mu.Unlock()
		return
	}
	delete(b.pending, entry.CallID)
	b.mu.Unlock()

	b.outcome("timeout")
	b.logger.Warn("tool call timed out", "call_id", entry.CallID, "name", entry.Name, "timeout", b.cfg.Timeout)
	if b.cfg.Policy == ToolFailureReport {
		b.submitError(b.ctx, entry.CallID, core.NewToolCallTimeoutError(entry.CallID))
	}
}

func (b *ToolBroker) continueWith(ctx context.Context, entry *PendingToolCall, result string) {
	switch entry.Action {
	case ActionSubmitAndContinue:
		b.submit(ctx, entry.CallID, result)
	default:
		b.logger.Error("unknown tool result action", "call_id", entry.CallID, "action", int(entry.Action))
	}
}

func (b *ToolBroker) submit(ctx context.Context, callID, output string) {
	if b.upstream == nil {
		return
	}
	if err := b.upstream.Send(ctx, realtime.FunctionCallOutput(callID, output)); err != nil {
		b.logSubmitError(callID, err)
		return
	}
	if err := b.upstream.Send(ctx, realtime.ResponseCreate()); err != nil {
		b.logSubmitError(callID, err)
	}
}

func (b *ToolBroker) submitError(ctx context.Context, callID string, cause *core.Error) {
	output, err := errorResult(cause)
	if err != nil {
		b.logger.Error("failed to encode tool error result", "call_id", callID, "error", err)
		return
	}
	b.submit(ctx, callID, output)
}

func (b *ToolBroker) logSubmitError(callID string, err error) {
	if errors.Is(err, core.ErrClientNotReady) {
		b.logger.Info("upstream not connected, dropping tool result", "call_id", callID)
		return
	}
	b.logger.Warn("failed to submit tool result", "call_id", callID, "error", err)
}

func (b *ToolBroker) outcome(name string) {
	if b.cfg.OnOutcome != nil {
		b.cfg.OnOutcome(name)
	}
}

type toolErrorResult struct {
	Error toolErrorBody `json:"error"`
}

type toolErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// errorResult renders the function_call_output sent under the report policy.
func errorResult(cause *core.Error) (string, error) {
	payload, err := json.Marshal(toolErrorResult{Error: toolErrorBody{
		Type:    string(cause.Type),
		Message: cause.Message,
	}})
	if err != nil {
		return "", fmt.Errorf("encode tool error result: %w", err)
	}
	return string(payload), nil
}
