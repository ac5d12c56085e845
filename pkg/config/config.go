// Package config loads client settings from an optional TOML file and
// TETHER_-prefixed environment variables.
//
// Top-level keys map directly (TETHER_URL, TETHER_TOKEN, TETHER_MESSAGE_TYPE,
// TETHER_READ_LIMIT, ...). For nested keys a single underscore separates
// sections and a double underscore stands for an underscore inside a key:
// TETHER_RECONNECT_MAX__RETRIES sets reconnect.max_retries.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tetherws/tether/pkg/backoff"
	"github.com/tetherws/tether/pkg/codec"
	"github.com/tetherws/tether/pkg/queue"
	"github.com/tetherws/tether/pkg/transport"
)

const EnvPrefix = "TETHER_"

const (
	TransportGorilla = "gorilla"
	TransportGWS     = "gws"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	Endpoint string            `koanf:"endpoint"`
	Token    string            `koanf:"token"`
	Headers  map[string]string `koanf:"headers"`

	// Transport selects the websocket engine: "gorilla" or "gws".
	Transport string `koanf:"transport"`
	Codec     string `koanf:"codec"`
	// MessageType overrides the codec's frame type: "text" or "binary".
	MessageType string `koanf:"message_type"`
	// ReadLimit caps inbound message size in bytes. Zero means no limit.
	ReadLimit   int64     `koanf:"read_limit"`
	Compression bool      `koanf:"compression"`
	TLS         TLSConfig `koanf:"tls"`

	InitialMessage        map[string]any `koanf:"initial_message"`
	DisableInitialMessage bool           `koanf:"disable_initial_message"`

	Reconnect ReconnectConfig `koanf:"reconnect"`
	Keepalive KeepaliveConfig `koanf:"keepalive"`
	Timeouts  TimeoutConfig   `koanf:"timeouts"`
	Queue     QueueConfig     `koanf:"queue"`
	Logging   LoggingConfig   `koanf:"logging"`
	Metrics   MetricsConfig   `koanf:"metrics"`
}

type TLSConfig struct {
	// CAFile is a PEM bundle trusted in addition to the system roots.
	CAFile             string `koanf:"ca_file"`
	ServerName         string `koanf:"server_name"`
	InsecureSkipVerify bool   `koanf:"insecure_skip_verify"`
}

type ReconnectConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
	Factor     float64       `koanf:"factor"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	Jitter     float64       `koanf:"jitter"`
}

type KeepaliveConfig struct {
	Interval time.Duration `koanf:"interval"`
	Timeout  time.Duration `koanf:"timeout"`
	// PongWait fails a probe when the previous one is still unanswered after
	// this long. Zero means twice the interval.
	PongWait time.Duration `koanf:"pong_wait"`
}

type TimeoutConfig struct {
	Connect time.Duration `koanf:"connect"`
	Receive time.Duration `koanf:"receive"`
	Write   time.Duration `koanf:"write"`
	Close   time.Duration `koanf:"close"`
}

type QueueConfig struct {
	// Capacity bounds the outbound queue. Zero means unbounded.
	Capacity int    `koanf:"capacity"`
	Overflow string `koanf:"overflow"` // drop_oldest or reject
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // text, json or zerolog
	File   string `koanf:"file"`
}

type MetricsConfig struct {
	Enabled   bool   `koanf:"enabled"`
	Address   string `koanf:"address"`
	Namespace string `koanf:"namespace"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Headers:        map[string]string{},
		Transport:      TransportGorilla,
		Codec:          "json",
		Compression:    true,
		InitialMessage: map[string]any{},
		Reconnect: ReconnectConfig{
			MaxRetries: 5,
			BaseDelay:  time.Second,
			Factor:     2,
		},
		Keepalive: KeepaliveConfig{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
		Timeouts: TimeoutConfig{
			Connect: 10 * time.Second,
			Receive: 60 * time.Second,
			Write:   10 * time.Second,
			Close:   5 * time.Second,
		},
		Queue: QueueConfig{
			Overflow: queue.DropOldest.String(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Address:   ":9464",
			Namespace: "tether",
		},
	}
}

// Load reads path (skipped when empty), then the environment, then validates.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply their own
// overrides first.
func Read(path string) (*Config, error) {
	cfg := Default()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// envKey maps TETHER_RECONNECT_MAX__RETRIES to reconnect.max_retries.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))

	switch s {
	case "url":
		return "endpoint"
	case "endpoint", "token", "transport", "codec", "compression",
		"message_type", "disable_initial_message", "read_limit":
		return s
	}

	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

func (c *Config) Validate() error {
	var errs []error

	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if u, err := url.Parse(c.Endpoint); err != nil {
		errs = append(errs, fmt.Errorf("endpoint: %w", err))
	} else if u.Scheme != "ws" && u.Scheme != "wss" {
		errs = append(errs, fmt.Errorf("endpoint scheme must be ws or wss, got %q", u.Scheme))
	}

	switch c.Transport {
	case TransportGorilla, TransportGWS:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if _, err := codec.ByName(c.Codec); err != nil {
		errs = append(errs, err)
	}
	if c.MessageType != "" {
		if _, err := transport.ParseMessageType(c.MessageType); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Reconnect.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("reconnect.max_retries must be at least 1, got %d", c.Reconnect.MaxRetries))
	}
	if err := c.Backoff().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("reconnect: %w", err))
	}

	if c.Keepalive.Interval < 0 || c.Keepalive.Timeout < 0 || c.Keepalive.PongWait < 0 {
		errs = append(errs, errors.New("keepalive durations must not be negative"))
	}
	if c.Timeouts.Connect < 0 || c.Timeouts.Receive < 0 || c.Timeouts.Write < 0 || c.Timeouts.Close < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}

	if c.ReadLimit < 0 {
		errs = append(errs, fmt.Errorf("read_limit must not be negative, got %d", c.ReadLimit))
	}
	if c.TLS.CAFile != "" {
		if _, err := c.TLSClientConfig(); err != nil {
			errs = append(errs, err)
		}
	}

	if c.Queue.Capacity < 0 {
		errs = append(errs, fmt.Errorf("queue.capacity must not be negative, got %d", c.Queue.Capacity))
	}
	if _, err := queue.ParseOverflowPolicy(c.Queue.Overflow); err != nil {
		errs = append(errs, err)
	}

	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "text", "json", "zerolog":
	default:
		errs = append(errs, fmt.Errorf("unknown logging.format %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Header builds the handshake headers. A token becomes a bearer
// Authorization header unless one is set explicitly.
func (c *Config) Header() http.Header {
	h := http.Header{}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	if c.Token != "" && h.Get("Authorization") == "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

// TLSClientConfig builds the client TLS settings for wss:// endpoints. It
// returns nil when nothing is configured, leaving the engine defaults.
func (c *Config) TLSClientConfig() (*tls.Config, error) {
	if c.TLS == (TLSConfig{}) {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         c.TLS.ServerName,
		InsecureSkipVerify: c.TLS.InsecureSkipVerify, //nolint:gosec // opt-in for test endpoints
	}
	if c.TLS.CAFile != "" {
		pem, err := os.ReadFile(c.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("tls.ca_file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("tls.ca_file: no certificates found in %s", c.TLS.CAFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func (c *Config) Backoff() backoff.Policy {
	return backoff.Policy{
		Base:   c.Reconnect.BaseDelay,
		Factor: c.Reconnect.Factor,
		Max:    c.Reconnect.MaxDelay,
		Jitter: c.Reconnect.Jitter,
	}
}

// PongWait returns the effective pong deadline.
func (c *Config) PongWait() time.Duration {
	if c.Keepalive.PongWait > 0 {
		return c.Keepalive.PongWait
	}
	return 2 * c.Keepalive.Interval
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if c.Logging.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
