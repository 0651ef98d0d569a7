package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-realtime/pkg/core"
	"github.com/vango-go/vai-realtime/pkg/core/realtime"
	"github.com/vango-go/vai-realtime/pkg/gateway/live/protocol"
)

type recordingSender struct {
	mu     sync.Mutex
	events []realtime.ClientEvent
	err    error
}

func (r *recordingSender) Send(_ context.Context, ev realtime.ClientEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSender) snapshot() []realtime.ClientEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.ClientEvent(nil), r.events...)
}

type emitted struct {
	kind    string
	audio   string
	request protocol.ServerToolRequest
	callID  string
	delta   string
	level   string
	code    string
	message string
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (r *recordingEmitter) add(e emitted) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEmitter) AudioChunk(audioB64 string) error {
	return r.add(emitted{kind: "audio", audio: audioB64})
}
func (r *recordingEmitter) Interrupt() error { return r.add(emitted{kind: "interrupt"}) }
func (r *recordingEmitter) ToolRequest(req protocol.ServerToolRequest) error {
	return r.add(emitted{kind: "tool_request", request: req, callID: req.CallID})
}
func (r *recordingEmitter) ToolProgress(callID, delta string) error {
	return r.add(emitted{kind: "tool_progress", callID: callID, delta: delta})
}
func (r *recordingEmitter) Log(level, code, message string) error {
	return r.add(emitted{kind: "log", level: level, code: code, message: message})
}

func (r *recordingEmitter) snapshot() []emitted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emitted(nil), r.events...)
}

func (r *recordingEmitter) kinds() []string {
	var out []string
	for _, e := range r.snapshot() {
		out = append(out, e.kind)
	}
	return out
}

// manualTimers captures AfterFunc callbacks so tests decide when they fire.
type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

func (m *manualTimers) get(i int) *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[i]
}

func (m *manualTimers) fire(i int) { m.get(i).f() }

// fakeUpstream implements Upstream without a network connection.
type fakeUpstream struct {
	mu      sync.Mutex
	obs     realtime.Observer
	state   realtime.State
	sent    []realtime.ClientEvent
	closes  int
	opens   int
	openErr error
}

func (f *fakeUpstream) setState(s realtime.State, err error) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	f.obs.OnState(s, err)
}

func (f *fakeUpstream) Open(context.Context) error {
	f.mu.Lock()
	f.opens++
	if f.state == realtime.StateConnecting || f.state == realtime.StateConnected {
		f.mu.Unlock()
		return realtime.ErrAlreadyOpen
	}
	openErr := f.openErr
	f.mu.Unlock()

	f.setState(realtime.StateConnecting, nil)
	if openErr != nil {
		f.setState(realtime.StateError, openErr)
		return openErr
	}
	f.setState(realtime.StateConnected, nil)
	return nil
}

func (f *fakeUpstream) Send(_ context.Context, ev realtime.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != realtime.StateConnected {
		return core.ErrClientNotReady
	}
	f.sent = append(f.sent, ev)
	return nil
}

func (f *fakeUpstream) Close() error {
	f.mu.Lock()
	f.closes++
	prev := f.state
	f.state = realtime.StateDisconnected
	f.mu.Unlock()
	if prev != realtime.StateDisconnected {
		f.obs.OnState(realtime.StateDisconnected, nil)
	}
	return nil
}

func (f *fakeUpstream) State() realtime.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeUpstream) emit(ev realtime.ServerEvent) { f.obs.OnEvent(ev) }

func (f *fakeUpstream) sentEvents() []realtime.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]realtime.ClientEvent(nil), f.sent...)
}

func (f *fakeUpstream) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
