package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/vango-go/vai-realtime/pkg/core"
)

const (
	DefaultCredentialURL = "https://api.x.ai/v1/realtime/client_secrets"
	DefaultCredentialTTL = 300 * time.Second

	defaultCredentialTimeout  = 10 * time.Second
	defaultCredentialBackoff  = 200 * time.Millisecond
	defaultCredentialMaxDelay = 2 * time.Second
	maxCredentialBodyBytes    = 64 << 10
)

// Credential is a short-lived upstream token. It is fetched per session
// start and never cached.
type Credential struct {
	Token     string
	TTL       time.Duration
	ExpiresAt time.Time
}

// String keeps tokens out of logs.
func (c Credential) String() string {
	return fmt.Sprintf("Credential{ttl=%s}", c.TTL)
}

// CredentialSource yields a fresh Credential for each upstream connection.
type CredentialSource interface {
	Fetch(ctx context.Context) (Credential, error)
}

type CredentialConfig struct {
	URL            string
	APIKey         string
	TTL            time.Duration
	Timeout        time.Duration
	MaxRetries     uint64
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// CredentialBroker exchanges the service key for a client secret.
type CredentialBroker struct {
	cfg    CredentialConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewCredentialBroker(cfg CredentialConfig, client *http.Client, logger *slog.Logger) *CredentialBroker {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultCredentialURL
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCredentialTTL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultCredentialTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = defaultCredentialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultCredentialMaxDelay
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &CredentialBroker{
		cfg:    cfg,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

type clientSecretRequest struct {
	ExpiresAfter struct {
		Seconds int64 `json:"seconds"`
	} `json:"expires_after"`
}

type clientSecret struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

type clientSecretResponse struct {
	clientSecret
	ClientSecret *clientSecret `json:"client_secret,omitempty"`
}

// Fetch requests a new credential. Network errors, 429 and 5xx responses are
// retried with exponential backoff; every other failure is returned at once.
func (b *CredentialBroker) Fetch(ctx context.Context) (Credential, error) {
	if strings.TrimSpace(b.cfg.APIKey) == "" {
		return Credential{}, core.NewCredentialError("service api key is not configured", nil)
	}

	var cred Credential
	operation := func() error {
		c, err := b.fetchOnce(ctx)
		if err != nil {
			return err
		}
		cred = c
		return nil
	}

	strategy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(b.cfg.InitialBackoff),
				backoff.WithMaxInterval(b.cfg.MaxBackoff),
			),
			b.cfg.MaxRetries,
		),
		ctx,
	)

	err := backoff.RetryNotify(operation, strategy, func(err error, d time.Duration) {
		b.logger.Warn("credential fetch failed, retrying", "error", err, "retry_in", d)
	})
	if err != nil {
		var ce *core.Error
		if errors.As(err, &ce) {
			return Credential{}, ce
		}
		return Credential{}, core.NewCredentialError("credential request failed", err)
	}
	return cred, nil
}

func (b *CredentialBroker) fetchOnce(ctx context.Context) (Credential, error) {
	var body clientSecretRequest
	body.ExpiresAfter.Seconds = int64(b.cfg.TTL / time.Second)
	payload, err := json.Marshal(body)
	if err != nil {
		return Credential{}, backoff.Permanent(core.NewCredentialError("encode credential request", err))
	}

	reqCtx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, b.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return Credential{}, backoff.Permanent(core.NewCredentialError("build credential request", err))
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(b.cfg.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Credential{}, backoff.Permanent(core.NewCredentialError("credential request canceled", ctx.Err()))
		}
		return Credential{}, core.NewCredentialError("credential request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxCredentialBodyBytes))
	if err != nil {
		return Credential{}, core.NewCredentialError("read credential response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		credErr := core.NewCredentialError(fmt.Sprintf("credential endpoint returned %d", resp.StatusCode), nil)
		credErr.Code = http.StatusText(resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return Credential{}, credErr
		}
		return Credential{}, backoff.Permanent(credErr)
	}

	var decoded clientSecretResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		return Credential{}, backoff.Permanent(core.NewCredentialError("decode credential response", err))
	}
	secret := decoded.clientSecret
	if decoded.ClientSecret != nil && strings.TrimSpace(decoded.ClientSecret.Value) != "" {
		secret = *decoded.ClientSecret
	}
	token := strings.TrimSpace(secret.Value)
	if token == "" {
		return Credential{}, backoff.Permanent(core.NewCredentialError("credential response has no value", nil))
	}

	cred := Credential{Token: token, TTL: b.cfg.TTL}
	if secret.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(secret.ExpiresAt, 0)
		if ttl := cred.ExpiresAt.Sub(b.now()); ttl > 0 {
			cred.TTL = ttl
		}
	} else {
		cred.ExpiresAt = b.now().Add(b.cfg.TTL)
	}
	return cred, nil
}
