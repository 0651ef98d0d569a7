package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/vango-go/vai-realtime/pkg/core"
	"github.com/vango-go/vai-realtime/pkg/core/realtime"
	"github.com/vango-go/vai-realtime/pkg/gateway/live/protocol"
)

type RouterConfig struct {
	// CommitOnSpeechStopped sends input_audio_buffer.commit when the upstream
	// reports end of speech.
	CommitOnSpeechStopped bool
}

// Router classifies upstream events and turns each into at most one client or
// upstream action. It is called from the session loop, one event at a time.
type Router struct {
	cfg      RouterConfig
	upstream UpstreamSender
	tools    *ToolBroker
	client   ClientEmitter
	logger   *slog.Logger
}

func NewRouter(cfg RouterConfig, upstream UpstreamSender, tools *ToolBroker, client ClientEmitter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{cfg: cfg, upstream: upstream, tools: tools, client: client, logger: logger}
}

// Route handles one upstream event. The returned error is a client delivery
// failure; upstream-side problems are logged and swallowed.
func (r *Router) Route(ctx context.Context, ev realtime.ServerEvent) error {
	switch ev.Type {
	case realtime.EventSpeechStarted:
		return r.client.Interrupt()

	case realtime.EventSpeechStopped:
		if r.cfg.CommitOnSpeechStopped {
			if err := r.upstream.Send(ctx, realtime.InputAudioCommit()); err != nil {
				r.logger.Warn("failed to commit input audio", "error", err)
			}
		}
		return nil

	case realtime.EventOutputAudioDelta, realtime.EventAudioDeltaLegacy:
		if ev.Delta == "" {
			return nil
		}
		return r.client.AudioChunk(ev.Delta)

	case realtime.EventFunctionCallArgsDelta:
		return r.client.ToolProgress(ev.CallID, ev.Delta)

	case realtime.EventFunctionCallArgsDone:
		return r.toolCallDone(ctx, ev)

	case realtime.EventError:
		msg := "upstream error"
		code := ""
		if ev.Error != nil {
			if strings.TrimSpace(ev.Error.Message) != "" {
				msg = ev.Error.Message
			}
			code = ev.Error.Code
		}
		r.logger.Warn("upstream reported error", "code", code, "message", msg)
		return r.client.Log(protocol.LogError, code, msg)

	case realtime.EventSessionCreated,
		realtime.EventSessionUpdated,
		realtime.EventInputAudioCommitted,
		realtime.EventResponseCreated,
		realtime.EventResponseDone,
		realtime.EventOutputAudioDone,
		realtime.EventOutputAudioTranscriptDone:
		r.logger.Debug("upstream lifecycle event", "type", ev.Type)
		return nil

	default:
		return r.client.Log(protocol.LogInfo, "", "unhandled upstream event: "+ev.Type)
	}
}

func (r *Router) toolCallDone(ctx context.Context, ev realtime.ServerEvent) error {
	args, err := decodeToolArguments(ev.Arguments)
	if err != nil {
		cerr := core.NewMalformedToolArgumentsError(ev.CallID, err)
		r.logger.Warn("dropping tool call with malformed arguments", "call_id", ev.CallID, "name", ev.Name, "error", err)
		r.tools.ReportMalformed(ctx, ev.CallID, err)
		return r.client.Log(protocol.LogWarn, string(core.ErrMalformedToolArguments), cerr.Message)
	}
	if strings.TrimSpace(ev.CallID) == "" {
		r.logger.Warn("dropping tool call without call_id", "name", ev.Name)
		return nil
	}
	r.tools.Dispatch(ev.CallID, ev.Name, args)
	return nil
}

// decodeToolArguments accepts a JSON object. An empty string means no arguments.
func decodeToolArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		return nil, fmt.Errorf("arguments are null")
	}
	return args, nil
}
