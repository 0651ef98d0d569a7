package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	// audioEpoch is set on bot audio frames; zero means not audio.
	audioEpoch int64

	textPayload   []byte
	binaryPayload []byte
}

// outboundWriter is the only goroutine that writes to the client socket.
// Status and interrupt frames go through priority and always overtake queued
// audio.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame
	isStale  func(epoch int64) bool
	onWrite  func(frame outboundFrame)
}

// Run writes until ctx is done or a write fails. A failed write closes the
// socket so the read side unblocks.
func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}
	err := w.run()
	if err != nil {
		_ = w.ws.Close()
	}
	return err
}

func (w *outboundWriter) run() error {

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var done <-chan struct{}
	if w.ctx != nil {
		done = w.ctx.Done()
	}

	for {
		select {
		case <-done:
			w.shutdown(writeTimeout)
			return nil
		default:
		}

		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-done:
			w.shutdown(writeTimeout)
			return nil
		case <-pingTicker.C:
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			// A priority frame queued meanwhile still goes first.
			select {
			case pf, pok := <-w.priority:
				if pok {
					if err := w.writeFrame(pf, writeTimeout); err != nil {
						return err
					}
				} else {
					w.priority = nil
				}
			default:
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) shutdown(writeTimeout time.Duration) {
	w.flushPriority(writeTimeout)
	_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
	_ = w.ws.Close()
}

// flushPriority gives queued status and error frames a short window to reach
// the client before the socket closes.
func (w *outboundWriter) flushPriority(writeTimeout time.Duration) {
	if w.priority == nil {
		return
	}
	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.audioEpoch != 0 && w.isStale != nil && w.isStale(frame.audioEpoch) {
		return nil
	}

	messageType := websocket.TextMessage
	payload := frame.textPayload
	if len(frame.binaryPayload) > 0 {
		messageType = websocket.BinaryMessage
		payload = frame.binaryPayload
	}
	if len(payload) == 0 {
		return nil
	}

	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := w.ws.WriteMessage(messageType, payload); err != nil {
		return err
	}
	if w.onWrite != nil {
		w.onWrite(frame)
	}
	return nil
}
