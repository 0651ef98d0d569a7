package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-realtime/pkg/core"
	"github.com/vango-go/vai-realtime/pkg/core/realtime"
	"github.com/vango-go/vai-realtime/pkg/gateway/live/protocol"
)

const (
	defaultOutboundQueueSize  = 256
	outboundPriorityQueueSize = 16
	upstreamEventQueueSize    = 256
	inboundQueueSize          = 64
)

var errBackpressure = errors.New("live outbound backpressure")

type Config struct {
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	PingInterval           time.Duration
	WriteTimeout           time.Duration
	ReadTimeout            time.Duration
	ToolTimeout            time.Duration
	ToolFailurePolicy      ToolFailurePolicy
	CommitOnSpeechStopped  bool
	FlushAudioOnInterrupt  bool
	OutboundQueueSize      int
	MaxBackpressurePerMin  int
}

// Upstream is the per-session connection to the realtime API.
type Upstream interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, ev realtime.ClientEvent) error
	Close() error
	State() realtime.State
}

// UpstreamFactory builds the session's upstream around its observer.
type UpstreamFactory func(observer realtime.Observer) Upstream

// Metrics receives per-session counters. All methods must be safe for
// concurrent use.
type Metrics interface {
	UpstreamState(state string)
	UpstreamEvent(eventType string)
	AudioFrame(direction string, bytes int)
	ToolCall(outcome string)
	Backpressure()
}

type noopMetrics struct{}

func (noopMetrics) UpstreamState(string)   {}
func (noopMetrics) UpstreamEvent(string)   {}
func (noopMetrics) AudioFrame(string, int) {}
func (noopMetrics) ToolCall(string)        {}
func (noopMetrics) Backpressure()          {}

type Dependencies struct {
	Conn        *websocket.Conn
	Logger      *slog.Logger
	NewUpstream UpstreamFactory
	Metrics     Metrics
	SessionID   string
	RequestID   string
	Config      Config
	Now         func() time.Time
}

// LiveSession relays one client connection to one upstream session.
type LiveSession struct {
	conn      *websocket.Conn
	logger    *slog.Logger
	metrics   Metrics
	sessionID string
	requestID string
	cfg       Config
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	upstream Upstream
	tools    *ToolBroker
	router   *Router

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	upstreamEvents   chan upstreamEvent

	// upstreamConn counts connections reaching CONNECTED. Events are tagged
	// with it so nothing read from an earlier socket is routed after a
	// reconnect.
	upstreamConn       atomic.Int64
	binaryAudio        atomic.Bool
	audioEpoch         atomic.Int64
	backpressureMu     sync.Mutex
	backpressureResets []time.Time
}

type upstreamEvent struct {
	conn int64
	ev   realtime.ServerEvent
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

func New(deps Dependencies) (*LiveSession, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.NewUpstream == nil {
		return nil, fmt.Errorf("upstream factory is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = defaultOutboundQueueSize
	}
	if deps.Config.ToolTimeout <= 0 {
		deps.Config.ToolTimeout = defaultToolTimeout
	}
	if deps.Config.ToolFailurePolicy == "" {
		deps.Config.ToolFailurePolicy = ToolFailureSilent
	}
	if deps.Config.MaxBackpressurePerMin <= 0 {
		deps.Config.MaxBackpressurePerMin = 3
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &LiveSession{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID, "request_id", deps.RequestID),
		metrics:          deps.Metrics,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		upstreamEvents:   make(chan upstreamEvent, upstreamEventQueueSize),
	}
	s.audioEpoch.Store(1)

	s.upstream = deps.NewUpstream(sessionObserver{s: s})
	if s.upstream == nil {
		cancel()
		return nil, fmt.Errorf("upstream factory returned nil")
	}
	s.tools = NewToolBroker(ctx, ToolBrokerConfig{
		Timeout:   s.cfg.ToolTimeout,
		Policy:    s.cfg.ToolFailurePolicy,
		Now:       s.now,
		OnOutcome: s.metrics.ToolCall,
	}, s.upstream, s, s.logger)
	s.router = NewRouter(RouterConfig{CommitOnSpeechStopped: s.cfg.CommitOnSpeechStopped}, s.upstream, s.tools, s, s.logger)
	return s, nil
}

func (s *LiveSession) Run() error {
	defer s.cancel()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	g, gctx := errgroup.WithContext(s.ctx)
	readCh := make(chan inboundFrame, inboundQueueSize)
	g.Go(func() error {
		s.readLoop(gctx, readCh)
		return nil
	})
	g.Go(func() error {
		w := outboundWriter{
			ws:       s.conn,
			ctx:      gctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
			isStale:  s.isStaleAudio,
		}
		return w.Run()
	})

	defer func() {
		_ = s.upstream.Close()
		s.tools.Close()
		s.cancel()
		if err := g.Wait(); err != nil {
			s.logger.Debug("live session writer stopped", "error", err)
		}
	}()

	_ = s.sendJSONPriority(protocol.ServerSession{Type: protocol.TypeSession, SessionID: s.sessionID})
	_ = s.sendStatus(s.upstream.State())

	limiter := newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)

	for {
		select {
		case <-gctx.Done():
			return nil

		case ue := <-s.upstreamEvents:
			if ue.conn != s.upstreamConn.Load() || s.upstream.State() != realtime.StateConnected {
				s.logger.Debug("dropping event from closed upstream connection", "type", ue.ev.Type)
				continue
			}
			s.metrics.UpstreamEvent(ue.ev.Type)
			if err := s.onSendErr(s.router.Route(s.ctx, ue.ev)); err != nil {
				return err
			}

		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				return nil
			}
			done, err := s.handleClientFrame(frame, limiter)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// handleClientFrame processes one inbound frame. done reports that the
// session should end without error.
func (s *LiveSession) handleClientFrame(frame inboundFrame, limiter *inboundAudioLimiter) (bool, error) {
	switch frame.messageType {
	case websocket.BinaryMessage:
		return s.forwardAudio(base64.StdEncoding.EncodeToString(frame.data), len(frame.data), limiter)

	case websocket.TextMessage:
		msg, decErr := protocol.DecodeClientMessage(frame.data)
		if decErr != nil {
			code := "bad_request"
			var de *protocol.DecodeError
			if errors.As(decErr, &de) {
				code = de.Code
			}
			return false, s.onSendErr(s.sendSessionError(code, decErr.Error(), false))
		}

		switch m := msg.(type) {
		case protocol.ClientStart:
			s.binaryAudio.Store(m.AudioTransport == protocol.AudioTransportBinary)
			s.start()
		case protocol.ClientStop:
			_ = s.upstream.Close()
			s.tools.Abandon()
		case protocol.ClientAudioChunk:
			return s.forwardAudio(m.Audio, base64.StdEncoding.DecodedLen(len(m.Audio)), limiter)
		case protocol.ClientToolResult:
			if s.upstream.State() != realtime.StateConnected {
				return false, s.onSendErr(s.notReady("tool_result dropped: upstream session is not connected"))
			}
			if !s.tools.Resolve(s.ctx, m.CallID, m.ResultString()) {
				s.logger.Debug("tool_result for unknown call", "call_id", m.CallID)
			}
		}
	}
	return false, nil
}

// start opens the upstream session in the background. Transitions are
// reported to the client through the observer.
func (s *LiveSession) start() {
	switch s.upstream.State() {
	case realtime.StateConnecting, realtime.StateConnected:
		_ = s.Log(protocol.LogInfo, "already_started", "upstream session already started")
		return
	}
	go func() {
		if err := s.upstream.Open(s.ctx); err != nil && !errors.Is(err, realtime.ErrAlreadyOpen) {
			s.logger.Warn("upstream open failed", "error", err)
		}
	}()
}

func (s *LiveSession) forwardAudio(audioB64 string, size int, limiter *inboundAudioLimiter) (bool, error) {
	if s.cfg.MaxAudioFrameBytes > 0 && size > s.cfg.MaxAudioFrameBytes {
		_ = s.sendSessionError("bad_request", "audio frame exceeds max size", true)
		return true, nil
	}
	if !limiter.Allow(size) {
		_ = s.sendSessionError("rate_limited", "inbound audio rate limit exceeded", true)
		return true, nil
	}
	err := s.upstream.Send(s.ctx, realtime.InputAudioAppendBase64(audioB64))
	switch {
	case err == nil:
		s.metrics.AudioFrame("in", size)
	case errors.Is(err, core.ErrClientNotReady):
		return false, s.onSendErr(s.notReady("audio_chunk dropped: upstream session is not connected"))
	default:
		// The observer has already reported the socket failure.
		s.logger.Debug("dropping audio chunk after upstream write failure", "error", err)
	}
	return false, nil
}

func (s *LiveSession) notReady(message string) error {
	return s.Log(protocol.LogWarn, string(core.ErrNotReady), message)
}

// AudioChunk forwards upstream audio untouched.
func (s *LiveSession) AudioChunk(audioB64 string) error {
	epoch := s.audioEpoch.Load()
	if s.binaryAudio.Load() {
		data, err := base64.StdEncoding.DecodeString(audioB64)
		if err != nil {
			s.logger.Warn("dropping undecodable upstream audio", "error", err)
			return nil
		}
		s.metrics.AudioFrame("out", len(data))
		return s.enqueueNormal(outboundFrame{audioEpoch: epoch, binaryPayload: data})
	}
	payload, err := json.Marshal(protocol.ServerAudioChunk{Type: protocol.TypeAudioChunk, Audio: audioB64})
	if err != nil {
		return err
	}
	s.metrics.AudioFrame("out", base64.StdEncoding.DecodedLen(len(audioB64)))
	return s.enqueueNormal(outboundFrame{audioEpoch: epoch, textPayload: payload})
}

// Interrupt tells the client the user started speaking. With
// FlushAudioOnInterrupt, bot audio still queued is dropped and the interrupt
// skips the queue. Otherwise it is queued behind that audio so the client
// sees events in upstream order.
func (s *LiveSession) Interrupt() error {
	msg := protocol.ServerInterrupt{Type: protocol.TypeInterrupt}
	if !s.cfg.FlushAudioOnInterrupt {
		return s.sendJSON(msg)
	}
	// The epoch moves before the interrupt is queued, so the writer discards
	// every older audio frame it has not written yet.
	s.audioEpoch.Add(1)
	return s.sendJSONPriority(msg)
}

func (s *LiveSession) ToolRequest(req protocol.ServerToolRequest) error {
	return s.sendJSON(req)
}

func (s *LiveSession) ToolProgress(callID, delta string) error {
	return s.sendJSON(protocol.ServerToolProgress{Type: protocol.TypeToolProgress, CallID: callID, Delta: delta})
}

func (s *LiveSession) Log(level, code, message string) error {
	return s.sendJSON(protocol.ServerLog{Type: protocol.TypeLog, Level: level, Code: code, Message: message})
}

func (s *LiveSession) isStaleAudio(epoch int64) bool {
	return epoch < s.audioEpoch.Load()
}

func (s *LiveSession) sendStatus(state realtime.State) error {
	return s.sendJSONPriority(protocol.ServerStatus{Type: protocol.TypeStatus, Status: state.String()})
}

func (s *LiveSession) sendWarning(code, message string) error {
	return s.sendJSONPriority(protocol.ServerWarning{Type: protocol.TypeWarning, Code: code, Message: message})
}

func (s *LiveSession) sendSessionError(code, message string, close bool) error {
	msg := protocol.ServerError{Type: protocol.TypeError, Code: code, Message: message, Close: close}
	if close {
		return s.sendJSONPriority(msg)
	}
	return s.sendJSON(msg)
}

func (s *LiveSession) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueueNormal(outboundFrame{textPayload: payload})
}

func (s *LiveSession) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{textPayload: payload})
}

func (s *LiveSession) enqueueNormal(frame outboundFrame) error {
	if frame.audioEpoch != 0 && s.isStaleAudio(frame.audioEpoch) {
		return nil
	}
	select {
	case s.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// enqueuePriority never blocks; when full, the oldest priority frame is evicted.
func (s *LiveSession) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case s.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-s.outboundPriority:
		default:
		}
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// onSendErr absorbs occasional backpressure with a warning and ends the
// session once the per-minute budget is spent.
func (s *LiveSession) onSendErr(err error) error {
	if err == nil || !errors.Is(err, errBackpressure) {
		return err
	}
	s.metrics.Backpressure()
	if !s.recordBackpressure() {
		_ = s.sendSessionError("backpressure", "client is not reading fast enough", true)
		return errBackpressure
	}
	s.logger.Warn("outbound queue full, dropped frame")
	_ = s.sendWarning("backpressure", "outbound queue full, dropped frame")
	return nil
}

func (s *LiveSession) recordBackpressure() bool {
	s.backpressureMu.Lock()
	defer s.backpressureMu.Unlock()
	now := s.now()
	cutoff := now.Add(-1 * time.Minute)
	filtered := s.backpressureResets[:0]
	for _, t := range s.backpressureResets {
		if t.After(cutoff) {
			filtered = append(filtered, t)
		}
	}
	s.backpressureResets = append(filtered, now)
	return len(s.backpressureResets) <= s.cfg.MaxBackpressurePerMin
}

func (s *LiveSession) readLoop(ctx context.Context, out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *LiveSession) ID() string {
	if s == nil {
		return ""
	}
	return s.sessionID
}

func (s *LiveSession) Cancel() {
	if s == nil || s.cancel == nil {
		return
	}
	s.cancel()
}

func (s *LiveSession) SendWarning(code, message string) error {
	if s == nil {
		return nil
	}
	return s.sendWarning(code, message)
}

// sessionObserver adapts upstream callbacks onto the session.
type sessionObserver struct {
	s *LiveSession
}

func (o sessionObserver) OnState(state realtime.State, err error) {
	s := o.s
	s.metrics.UpstreamState(state.String())
	// Call ids belong to one upstream connection.
	if state == realtime.StateConnected {
		s.upstreamConn.Add(1)
	} else if s.tools != nil {
		s.tools.Abandon()
	}
	_ = s.sendStatus(state)
	if err == nil {
		return
	}
	code := string(core.TypeOf(err))
	msg := err.Error()
	var ce *core.Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	_ = s.enqueuePriority(mustJSONFrame(protocol.ServerLog{
		Type:    protocol.TypeLog,
		Level:   protocol.LogError,
		Code:    code,
		Message: strings.TrimSpace(msg),
	}))
}

func (o sessionObserver) OnEvent(ev realtime.ServerEvent) {
	select {
	case o.s.upstreamEvents <- upstreamEvent{conn: o.s.upstreamConn.Load(), ev: ev}:
	case <-o.s.ctx.Done():
	}
}

func mustJSONFrame(v any) outboundFrame {
	payload, _ := json.Marshal(v)
	return outboundFrame{textPayload: payload}
}
