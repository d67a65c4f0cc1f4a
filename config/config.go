// Package config loads gateway configuration from the environment. Loading
// is fail fast: a missing or malformed value is reported before any backend
// connection is attempted or any socket is bound.
package config

import (
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
)

// Credentials identifies the single backend account the process acts as.
// Values are read once at startup and never mutated afterwards.
type Credentials struct {
	AppKey      string `env:"LONGPORT_APP_KEY,required"`
	AppSecret   string `env:"LONGPORT_APP_SECRET,required"`
	AccessToken string `env:"LONGPORT_ACCESS_TOKEN,required"`
}

// Settings holds the tunables for the backend client and the session core.
// Every field has a workable default so a bare environment still runs.
type Settings struct {
	HTTPBaseURL string        `env:"LONGPORT_HTTP_URL,default=https://openapi.longportapp.com"`
	QuoteWSURL  string        `env:"LONGPORT_QUOTE_WS_URL,default=wss://openapi-quote.longportapp.com/v2"`
	CallTimeout time.Duration `env:"BROKERGATE_CALL_TIMEOUT,default=15s"`

	// Reconnect backoff bounds and attempt cap for the backend adapter. The
	// process exits once the cap is exhausted.
	ReconnectMinDelay    time.Duration `env:"BROKERGATE_RECONNECT_MIN,default=500ms"`
	ReconnectMaxDelay    time.Duration `env:"BROKERGATE_RECONNECT_MAX,default=30s"`
	ReconnectMaxAttempts int           `env:"BROKERGATE_RECONNECT_ATTEMPTS,default=20"`

	// Outbound event queue capacity per protocol session.
	SessionQueueSize int `env:"BROKERGATE_SESSION_QUEUE,default=256"`

	// SSE sessions with no traffic and no live stream for this long are
	// reaped. Zero disables reaping.
	SessionIdleTimeout time.Duration `env:"BROKERGATE_SESSION_IDLE,default=5m"`

	// Optional static bearer token for the SSE transport. Empty disables
	// authentication, which is only sensible on a loopback bind.
	AuthToken string `env:"BROKERGATE_AUTH_TOKEN"`

	// Optional path to a YAML watchlist file exposed as an MCP resource.
	WatchlistPath string `env:"BROKERGATE_WATCHLIST"`
}

// Config is the full process configuration.
type Config struct {
	Credentials Credentials
	Settings    Settings
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.StrictDecode(&cfg.Credentials); err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	if err := envdecode.Decode(&cfg.Settings); err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := cfg.Settings.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *Settings) validate() error {
	if s.SessionQueueSize < 1 {
		return fmt.Errorf("session queue size must be positive, got %d", s.SessionQueueSize)
	}
	if s.ReconnectMinDelay <= 0 || s.ReconnectMaxDelay < s.ReconnectMinDelay {
		return fmt.Errorf("reconnect backoff bounds invalid: min=%s max=%s", s.ReconnectMinDelay, s.ReconnectMaxDelay)
	}
	if s.ReconnectMaxAttempts < 1 {
		return fmt.Errorf("reconnect attempt cap must be positive, got %d", s.ReconnectMaxAttempts)
	}
	if s.SessionIdleTimeout < 0 {
		return fmt.Errorf("session idle timeout must not be negative, got %s", s.SessionIdleTimeout)
	}
	if s.CallTimeout <= 0 {
		return fmt.Errorf("call timeout must be positive, got %s", s.CallTimeout)
	}
	return nil
}
