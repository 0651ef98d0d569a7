package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-realtime/pkg/core"
)

const (
	DefaultUpstreamURL = "wss://api.x.ai/v1/realtime"

	defaultUpstreamWriteTimeout     = 5 * time.Second
	defaultUpstreamHandshakeTimeout = 10 * time.Second
	defaultUpstreamMaxMessageBytes  = 8 << 20
)

var (
	// ErrAlreadyOpen is returned by Open while a connection is in progress or established.
	ErrAlreadyOpen = errors.New("upstream session already open")
	// ErrOpenAborted is returned by Open when Close wins the race with an in-flight connect.
	ErrOpenAborted = errors.New("upstream session closed while connecting")
)

// State is the upstream connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Observer receives state transitions and upstream events.
//
// OnState is called in transition order and must not block or call back into
// the Upstream. OnEvent is called from the read goroutine in arrival order and
// may block to apply backpressure.
type Observer interface {
	OnState(state State, err error)
	OnEvent(ev ServerEvent)
}

// Conn is the subset of *websocket.Conn the upstream session uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	Close() error
}

// Dialer opens the upstream socket.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, urlStr string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return conn, nil
}

type UpstreamConfig struct {
	URL              string
	Model            string
	Session          SessionSettings
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	MaxMessageBytes  int64
}

// Upstream is one persistent connection to the realtime API.
type Upstream struct {
	cfg      UpstreamConfig
	creds    CredentialSource
	dialer   Dialer
	observer Observer
	logger   *slog.Logger

	mu    sync.Mutex
	state State
	gen   uint64
	conn  Conn

	notifyMu sync.Mutex
	writeMu  sync.Mutex
}

func NewUpstream(cfg UpstreamConfig, creds CredentialSource, dialer Dialer, observer Observer, logger *slog.Logger) *Upstream {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultUpstreamURL
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultUpstreamWriteTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultUpstreamHandshakeTimeout
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultUpstreamMaxMessageBytes
	}
	if dialer == nil {
		dialer = WebsocketDialer{Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Upstream{
		cfg:      cfg,
		creds:    creds,
		dialer:   dialer,
		observer: observer,
		logger:   logger,
		state:    StateDisconnected,
	}
}

// State returns the current connection state.
func (u *Upstream) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Open fetches a credential, dials the socket and configures the session.
// It blocks until the session is connected or has failed.
func (u *Upstream) Open(ctx context.Context) error {
	u.mu.Lock()
	if u.state == StateConnecting || u.state == StateConnected {
		u.mu.Unlock()
		return ErrAlreadyOpen
	}
	u.gen++
	gen := u.gen
	u.commitLocked(StateConnecting, nil)

	if u.creds == nil {
		err := core.NewCredentialError("no credential source configured", nil)
		u.transition(gen, StateError, err, nil)
		return err
	}
	cred, err := u.creds.Fetch(ctx)
	if err != nil {
		var ce *core.Error
		if !errors.As(err, &ce) {
			err = core.NewCredentialError("credential fetch failed", err)
		}
		u.transition(gen, StateError, err, nil)
		return err
	}

	wsURL, err := u.endpoint()
	if err != nil {
		cerr := core.NewConnectError("invalid upstream url", err)
		u.transition(gen, StateError, cerr, nil)
		return cerr
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cred.Token)

	dialCtx, cancel := context.WithTimeout(ctx, u.cfg.HandshakeTimeout)
	conn, err := u.dialer.Dial(dialCtx, wsURL, header)
	cancel()
	if err != nil {
		cerr := core.NewConnectError("dial upstream", err)
		u.transition(gen, StateError, cerr, nil)
		return cerr
	}
	conn.SetReadLimit(u.cfg.MaxMessageBytes)

	if err := u.writeEvent(ctx, conn, SessionUpdate(u.cfg.Session)); err != nil {
		_ = conn.Close()
		cerr := core.NewConnectError("configure upstream session", err)
		u.transition(gen, StateError, cerr, nil)
		return cerr
	}

	connected := u.transition(gen, StateConnected, nil, func() { u.conn = conn })
	if !connected {
		_ = conn.Close()
		return ErrOpenAborted
	}
	u.logger.Info("upstream session connected", "url", u.cfg.URL, "model", u.cfg.Model)
	go u.readLoop(gen, conn)
	return nil
}

// Send writes one event if the session is connected. Otherwise it returns
// core.ErrClientNotReady and writes nothing.
func (u *Upstream) Send(ctx context.Context, ev ClientEvent) error {
	u.mu.Lock()
	if u.state != StateConnected || u.conn == nil {
		u.mu.Unlock()
		return core.ErrClientNotReady
	}
	conn := u.conn
	gen := u.gen
	u.mu.Unlock()

	if err := u.writeEvent(ctx, conn, ev); err != nil {
		serr := core.NewSocketError("write upstream", err)
		u.drop(gen, StateError, serr)
		return serr
	}
	return nil
}

// Close tears the socket down and moves to disconnected. It is safe to call
// from any state and more than once.
func (u *Upstream) Close() error {
	u.mu.Lock()
	u.gen++
	conn := u.conn
	u.conn = nil
	if u.state == StateDisconnected {
		u.mu.Unlock()
	} else {
		u.commitLocked(StateDisconnected, nil)
	}
	if conn != nil {
		closeConn(conn, u.cfg.WriteTimeout)
	}
	return nil
}

func (u *Upstream) readLoop(gen uint64, conn Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				u.drop(gen, StateDisconnected, nil)
			} else {
				u.drop(gen, StateError, core.NewSocketError("read upstream", err))
			}
			return
		}
		if !u.current(gen) {
			return
		}
		ev, err := DecodeServerEvent(data)
		if err != nil {
			u.logger.Warn("dropping undecodable upstream event", "error", err)
			continue
		}
		if u.observer != nil {
			u.observer.OnEvent(ev)
		}
	}
}

func (u *Upstream) current(gen uint64) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return gen == u.gen
}

// drop ends the connection of generation gen. Stale generations are ignored.
func (u *Upstream) drop(gen uint64, to State, err error) {
	var conn Conn
	if u.transition(gen, to, err, func() {
		conn = u.conn
		u.conn = nil
	}) && conn != nil {
		closeConn(conn, u.cfg.WriteTimeout)
	}
}

func (u *Upstream) transition(gen uint64, to State, err error, apply func()) bool {
	u.mu.Lock()
	if gen != u.gen || u.state == to {
		u.mu.Unlock()
		return false
	}
	if apply != nil {
		apply()
	}
	u.commitLocked(to, err)
	return true
}

// commitLocked sets the state and notifies the observer. u.mu must be held; it
// is released before the callback runs while notifyMu keeps callbacks ordered.
func (u *Upstream) commitLocked(to State, err error) {
	u.state = to
	u.notifyMu.Lock()
	u.mu.Unlock()
	defer u.notifyMu.Unlock()

	if err != nil {
		u.logger.Warn("upstream session state changed", "state", to.String(), "error", err)
	} else {
		u.logger.Debug("upstream session state changed", "state", to.String())
	}
	if u.observer != nil {
		u.observer.OnState(to, err)
	}
}

func (u *Upstream) writeEvent(ctx context.Context, conn Conn, ev ClientEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Type, err)
	}

	u.writeMu.Lock()
	defer u.writeMu.Unlock()

	deadline := time.Now().Add(u.cfg.WriteTimeout)
	if ctx != nil {
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}
	_ = conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (u *Upstream) endpoint() (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(u.cfg.URL))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws", "wss":
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if model := strings.TrimSpace(u.cfg.Model); model != "" {
		q := parsed.Query()
		q.Set("model", model)
		parsed.RawQuery = q.Encode()
	}
	return parsed.String(), nil
}

func closeConn(conn Conn, timeout time.Duration) {
	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(timeout),
	)
	_ = conn.Close()
}
