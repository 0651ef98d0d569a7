// Package realtime talks to a streaming conversational voice API (xAI Grok
// realtime, which speaks the OpenAI realtime event dialect) over a persistent
// WebSocket.
//
// # Components
//
//   - CredentialBroker: exchanges the long-lived service key for a short-lived
//     client secret. One fetch per session start, never cached.
//   - Upstream: owns one upstream socket and its connection state machine.
//   - ClientEvent / ServerEvent: the wire events exchanged with the API.
//
// # State Machine
//
//	DISCONNECTED → CONNECTING → CONNECTED
//	      ↑             │           │
//	      └── ERROR ←───┴───────────┘
//
// Open moves DISCONNECTED or ERROR to CONNECTING, then to CONNECTED once the
// credential is fetched, the socket is dialed and the session.update event has
// been written. Close moves any state to DISCONNECTED. Failures move to ERROR
// and are never retried automatically; the caller opens again.
//
// # Usage
//
//	broker := realtime.NewCredentialBroker(realtime.CredentialConfig{
//	    URL:    realtime.DefaultCredentialURL,
//	    APIKey: os.Getenv("XAI_API_KEY"),
//	    TTL:    5 * time.Minute,
//	}, nil, logger)
//
//	up := realtime.NewUpstream(realtime.UpstreamConfig{
//	    URL:     realtime.DefaultUpstreamURL,
//	    Session: realtime.DefaultSessionSettings(),
//	}, broker, nil, observer, logger)
//
//	if err := up.Open(ctx); err != nil { ... }
//	_ = up.Send(ctx, realtime.InputAudioAppend(pcm))
package realtime
