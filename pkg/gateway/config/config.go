package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/vango-go/vai-realtime/pkg/core/realtime"
)

const (
	EnvPrefix     = "VAI_REALTIME"
	EnvConfigPath = "VAI_REALTIME_CONFIG"
)

type RegistryMode string

const (
	RegistryMemory RegistryMode = "memory"
	RegistryRedis  RegistryMode = "redis"
)

type Config struct {
	Addr string

	// xAI credentials. The key never leaves the gateway; clients only ever
	// talk to the relay.
	XAIAPIKey            string
	CredentialURL        string
	CredentialTTL        time.Duration
	CredentialTimeout    time.Duration
	CredentialMaxRetries int

	// Upstream realtime session.
	UpstreamURL           string
	UpstreamModel         string
	Voice                 string
	Instructions          string
	AudioFormat           string
	AudioSampleRate       int
	TurnDetection         string
	CommitOnSpeechStopped bool
	FlushAudioOnInterrupt bool
	HandshakeTimeout      time.Duration

	// Tools advertised in session.update. Empty ToolsFile => execute_skill.
	ToolsFile         string
	Tools             []realtime.Tool
	ToolTimeout       time.Duration
	ToolFailurePolicy string

	// CORS / Origin allowlist. Empty => same-origin only.
	CORSAllowedOrigins map[string]struct{}

	// Client WebSocket.
	WSPingInterval         time.Duration
	WSWriteTimeout         time.Duration
	WSReadTimeout          time.Duration
	MaxMessageBytes        int64
	MaxAudioFrameBytes     int
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	OutboundQueueSize      int
	MaxBackpressurePerMin  int

	// Per-client limits. Client identity may come from X-Forwarded-For only
	// when TrustProxyHeaders is set behind a trusted proxy/LB.
	TrustProxyHeaders    bool
	UpgradeRPS           float64
	UpgradeBurst         int
	MaxSessionsPerClient int

	// Admission.
	MaxSessions      int
	SessionRegistry  RegistryMode
	RedisAddr        string
	RedisUsername    string
	RedisPassword    string
	RedisDB          int
	RedisKey         string
	SessionHeartbeat time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	MetricsEnabled      bool
	MetricsPath         string
	LogLevel            string
	LogFormat           string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":8080")

	v.SetDefault("credential_url", realtime.DefaultCredentialURL)
	v.SetDefault("credential_ttl", realtime.DefaultCredentialTTL)
	v.SetDefault("credential_timeout", 10*time.Second)
	v.SetDefault("credential_max_retries", 2)

	v.SetDefault("upstream_url", realtime.DefaultUpstreamURL)
	v.SetDefault("upstream_model", "")
	v.SetDefault("voice", realtime.DefaultVoice)
	v.SetDefault("instructions", "")
	v.SetDefault("audio_format", realtime.DefaultAudioFormat)
	v.SetDefault("audio_sample_rate", realtime.DefaultAudioSampleRate)
	v.SetDefault("turn_detection", realtime.TurnDetectionServerVAD)
	v.SetDefault("commit_on_speech_stopped", false)
	v.SetDefault("flush_audio_on_interrupt", true)
	v.SetDefault("handshake_timeout", 10*time.Second)

	v.SetDefault("tools_file", "")
	v.SetDefault("tool_timeout", 30*time.Second)
	v.SetDefault("tool_failure_policy", "silent")

	v.SetDefault("cors_origins", "")

	v.SetDefault("ws_ping_interval", 20*time.Second)
	v.SetDefault("ws_write_timeout", 5*time.Second)
	v.SetDefault("ws_read_timeout", 0)
	v.SetDefault("max_message_bytes", 256*1024)
	v.SetDefault("max_audio_frame_bytes", 64*1024)
	v.SetDefault("max_audio_fps", 0)
	v.SetDefault("max_audio_bps", 0)
	v.SetDefault("inbound_burst_seconds", 2)
	v.SetDefault("outbound_queue_size", 256)
	v.SetDefault("max_backpressure_per_min", 0)

	v.SetDefault("trust_proxy_headers", false)
	v.SetDefault("upgrade_rps", 0)
	v.SetDefault("upgrade_burst", 4)
	v.SetDefault("max_sessions_per_client", 0)

	v.SetDefault("max_sessions", 0)
	v.SetDefault("session_registry", string(RegistryMemory))
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_username", "")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_key", "vai-realtime:sessions")
	v.SetDefault("session_heartbeat", 15*time.Second)

	v.SetDefault("read_header_timeout", 10*time.Second)
	v.SetDefault("shutdown_grace_period", 30*time.Second)
	v.SetDefault("metrics_enabled", true)
	v.SetDefault("metrics_path", "/metrics")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads defaults, an optional realtime.yaml (or the file named by
// VAI_REALTIME_CONFIG) and VAI_REALTIME_* environment variables, in
// increasing precedence.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if err := v.BindEnv("xai_api_key", EnvPrefix+"_XAI_API_KEY", "XAI_API_KEY"); err != nil {
		return Config{}, err
	}

	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config file error: %w", err)
		}
	} else {
		v.SetConfigName("realtime")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("config file error: %w", err)
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:                   strings.TrimSpace(v.GetString("addr")),
		XAIAPIKey:              strings.TrimSpace(v.GetString("xai_api_key")),
		CredentialURL:          strings.TrimSpace(v.GetString("credential_url")),
		CredentialTTL:          v.GetDuration("credential_ttl"),
		CredentialTimeout:      v.GetDuration("credential_timeout"),
		CredentialMaxRetries:   v.GetInt("credential_max_retries"),
		UpstreamURL:            strings.TrimSpace(v.GetString("upstream_url")),
		UpstreamModel:          strings.TrimSpace(v.GetString("upstream_model")),
		Voice:                  strings.TrimSpace(v.GetString("voice")),
		Instructions:           v.GetString("instructions"),
		AudioFormat:            strings.TrimSpace(v.GetString("audio_format")),
		AudioSampleRate:        v.GetInt("audio_sample_rate"),
		TurnDetection:          strings.TrimSpace(v.GetString("turn_detection")),
		CommitOnSpeechStopped:  v.GetBool("commit_on_speech_stopped"),
		FlushAudioOnInterrupt:  v.GetBool("flush_audio_on_interrupt"),
		HandshakeTimeout:       v.GetDuration("handshake_timeout"),
		ToolsFile:              strings.TrimSpace(v.GetString("tools_file")),
		ToolTimeout:            v.GetDuration("tool_timeout"),
		ToolFailurePolicy:      strings.ToLower(strings.TrimSpace(v.GetString("tool_failure_policy"))),
		CORSAllowedOrigins:     make(map[string]struct{}),
		WSPingInterval:         v.GetDuration("ws_ping_interval"),
		WSWriteTimeout:         v.GetDuration("ws_write_timeout"),
		WSReadTimeout:          v.GetDuration("ws_read_timeout"),
		MaxMessageBytes:        v.GetInt64("max_message_bytes"),
		MaxAudioFrameBytes:     v.GetInt("max_audio_frame_bytes"),
		MaxAudioFPS:            v.GetInt("max_audio_fps"),
		MaxAudioBytesPerSecond: v.GetInt64("max_audio_bps"),
		InboundBurstSeconds:    v.GetInt("inbound_burst_seconds"),
		OutboundQueueSize:      v.GetInt("outbound_queue_size"),
		MaxBackpressurePerMin:  v.GetInt("max_backpressure_per_min"),
		TrustProxyHeaders:      v.GetBool("trust_proxy_headers"),
		UpgradeRPS:             v.GetFloat64("upgrade_rps"),
		UpgradeBurst:           v.GetInt("upgrade_burst"),
		MaxSessionsPerClient:   v.GetInt("max_sessions_per_client"),
		MaxSessions:            v.GetInt("max_sessions"),
		SessionRegistry:        RegistryMode(strings.ToLower(strings.TrimSpace(v.GetString("session_registry")))),
		RedisAddr:              strings.TrimSpace(v.GetString("redis_addr")),
		RedisUsername:          v.GetString("redis_username"),
		RedisPassword:          v.GetString("redis_password"),
		RedisDB:                v.GetInt("redis_db"),
		RedisKey:               strings.TrimSpace(v.GetString("redis_key")),
		SessionHeartbeat:       v.GetDuration("session_heartbeat"),
		ReadHeaderTimeout:      v.GetDuration("read_header_timeout"),
		ShutdownGracePeriod:    v.GetDuration("shutdown_grace_period"),
		MetricsEnabled:         v.GetBool("metrics_enabled"),
		MetricsPath:            strings.TrimSpace(v.GetString("metrics_path")),
		LogLevel:               strings.ToLower(strings.TrimSpace(v.GetString("log_level"))),
		LogFormat:              strings.ToLower(strings.TrimSpace(v.GetString("log_format"))),
	}

	// Env gives "a,b"; YAML gives a list. Both end up here.
	for _, entry := range v.GetStringSlice("cors_origins") {
		for _, origin := range splitCSV(entry) {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}

	if cfg.ToolsFile != "" {
		data, err := os.ReadFile(cfg.ToolsFile)
		if err != nil {
			return Config{}, fmt.Errorf("VAI_REALTIME_TOOLS_FILE: %w", err)
		}
		tools, err := realtime.ParseTools(data)
		if err != nil {
			return Config{}, fmt.Errorf("VAI_REALTIME_TOOLS_FILE: %w", err)
		}
		cfg.Tools = tools
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("VAI_REALTIME_ADDR must not be empty")
	}
	if c.XAIAPIKey == "" {
		return fmt.Errorf("XAI_API_KEY (or VAI_REALTIME_XAI_API_KEY) must be set")
	}
	if c.CredentialURL == "" {
		return fmt.Errorf("VAI_REALTIME_CREDENTIAL_URL must not be empty")
	}
	if c.CredentialTTL <= 0 {
		return fmt.Errorf("VAI_REALTIME_CREDENTIAL_TTL must be > 0")
	}
	if c.CredentialTimeout <= 0 {
		return fmt.Errorf("VAI_REALTIME_CREDENTIAL_TIMEOUT must be > 0")
	}
	if c.CredentialMaxRetries < 0 {
		return fmt.Errorf("VAI_REALTIME_CREDENTIAL_MAX_RETRIES must be >= 0")
	}
	if c.UpstreamURL == "" {
		return fmt.Errorf("VAI_REALTIME_UPSTREAM_URL must not be empty")
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("VAI_REALTIME_AUDIO_SAMPLE_RATE must be > 0")
	}
	switch c.TurnDetection {
	case realtime.TurnDetectionServerVAD, "none":
	default:
		return fmt.Errorf("VAI_REALTIME_TURN_DETECTION must be one of server_vad|none")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("VAI_REALTIME_HANDSHAKE_TIMEOUT must be > 0")
	}
	if c.ToolTimeout <= 0 {
		return fmt.Errorf("VAI_REALTIME_TOOL_TIMEOUT must be > 0")
	}
	switch c.ToolFailurePolicy {
	case "silent", "report":
	default:
		return fmt.Errorf("VAI_REALTIME_TOOL_FAILURE_POLICY must be one of silent|report")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("VAI_REALTIME_WS_PING_INTERVAL must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_REALTIME_WS_WRITE_TIMEOUT must be > 0")
	}
	if c.WSReadTimeout < 0 {
		return fmt.Errorf("VAI_REALTIME_WS_READ_TIMEOUT must be >= 0")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("VAI_REALTIME_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.MaxAudioFrameBytes <= 0 {
		return fmt.Errorf("VAI_REALTIME_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if c.MaxAudioFPS < 0 {
		return fmt.Errorf("VAI_REALTIME_MAX_AUDIO_FPS must be >= 0")
	}
	if c.MaxAudioBytesPerSecond < 0 {
		return fmt.Errorf("VAI_REALTIME_MAX_AUDIO_BPS must be >= 0")
	}
	if c.InboundBurstSeconds < 0 {
		return fmt.Errorf("VAI_REALTIME_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (c.MaxAudioFPS > 0 || c.MaxAudioBytesPerSecond > 0) && c.InboundBurstSeconds < 1 {
		return fmt.Errorf("VAI_REALTIME_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("VAI_REALTIME_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if c.MaxBackpressurePerMin < 0 {
		return fmt.Errorf("VAI_REALTIME_MAX_BACKPRESSURE_PER_MIN must be >= 0")
	}
	if c.UpgradeRPS < 0 {
		return fmt.Errorf("VAI_REALTIME_UPGRADE_RPS must be >= 0")
	}
	if c.UpgradeRPS > 0 && c.UpgradeBurst < 1 {
		return fmt.Errorf("VAI_REALTIME_UPGRADE_BURST must be >= 1 when VAI_REALTIME_UPGRADE_RPS is set")
	}
	if c.MaxSessionsPerClient < 0 {
		return fmt.Errorf("VAI_REALTIME_MAX_SESSIONS_PER_CLIENT must be >= 0")
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("VAI_REALTIME_MAX_SESSIONS must be >= 0")
	}
	switch c.SessionRegistry {
	case RegistryMemory:
	case RegistryRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("VAI_REALTIME_REDIS_ADDR must be set when VAI_REALTIME_SESSION_REGISTRY=redis")
		}
		if c.SessionHeartbeat <= 0 {
			return fmt.Errorf("VAI_REALTIME_SESSION_HEARTBEAT must be > 0")
		}
	default:
		return fmt.Errorf("VAI_REALTIME_SESSION_REGISTRY must be one of memory|redis")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_REALTIME_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_REALTIME_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if c.MetricsEnabled && !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("VAI_REALTIME_METRICS_PATH must start with /")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("VAI_REALTIME_LOG_LEVEL must be one of debug|info|warn|error")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("VAI_REALTIME_LOG_FORMAT must be one of text|json")
	}
	return nil
}

// Session returns the upstream session settings every relay session opens with.
func (c Config) Session() realtime.SessionSettings {
	s := realtime.DefaultSessionSettings()
	s.Voice = c.Voice
	s.Instructions = c.Instructions
	s.AudioFormat = c.AudioFormat
	s.SampleRate = c.AudioSampleRate
	s.TurnDetection = c.TurnDetection
	if s.TurnDetection == "none" {
		s.TurnDetection = ""
	}
	if len(c.Tools) > 0 {
		s.Tools = append([]realtime.Tool(nil), c.Tools...)
	}
	return s
}

func (c Config) Credentials() realtime.CredentialConfig {
	return realtime.CredentialConfig{
		URL:        c.CredentialURL,
		APIKey:     c.XAIAPIKey,
		TTL:        c.CredentialTTL,
		Timeout:    c.CredentialTimeout,
		MaxRetries: uint64(c.CredentialMaxRetries),
	}
}

func (c Config) Upstream() realtime.UpstreamConfig {
	return realtime.UpstreamConfig{
		URL:              c.UpstreamURL,
		Model:            c.UpstreamModel,
		Session:          c.Session(),
		WriteTimeout:     c.WSWriteTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		MaxMessageBytes:  c.MaxMessageBytes,
	}
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
