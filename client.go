package tether

import (
	"context"
	"fmt"

	"github.com/tetherws/tether/pkg/codec"
	"github.com/tetherws/tether/pkg/config"
	"github.com/tetherws/tether/pkg/logger"
	"github.com/tetherws/tether/pkg/metrics"
	"github.com/tetherws/tether/pkg/queue"
	"github.com/tetherws/tether/pkg/rews"
	"github.com/tetherws/tether/pkg/transport"
	"github.com/tetherws/tether/pkg/transport/gorillaws"
	"github.com/tetherws/tether/pkg/transport/gws"
)

// Client is a Supervisor bound to a payload codec.
type Client struct {
	*rews.Supervisor

	codec codec.Codec
}

type options struct {
	logger   logger.Logger
	handler  rews.Handler
	metrics  *metrics.Metrics
	observer func(from, to rews.State)
	dialer   transport.Dialer
	extra    []rews.Option
}

type Option func(o *options)

func WithLogger(l logger.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithHandler(h rews.Handler) Option {
	return func(o *options) { o.handler = h }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithStateObserver(fn func(from, to rews.State)) Option {
	return func(o *options) { o.observer = fn }
}

// WithDialer bypasses the engine named in the configuration.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithSupervisorOptions passes options straight to the underlying Supervisor.
// They are applied last.
func WithSupervisorOptions(opts ...rews.Option) Option {
	return func(o *options) { o.extra = append(o.extra, opts...) }
}

// New builds a Client from cfg. It does not connect; call Run.
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: logger.Nop()}
	for _, opt := range opts {
		opt(o)
	}

	c, err := codec.ByName(cfg.Codec)
	if err != nil {
		return nil, err
	}

	dialer := o.dialer
	if dialer == nil {
		dialer, err = NewDialer(cfg, c, o.logger)
		if err != nil {
			return nil, err
		}
	}

	rcfg, err := SupervisorConfig(cfg, c)
	if err != nil {
		return nil, err
	}

	q, err := newQueue(cfg, o)
	if err != nil {
		return nil, err
	}

	sup, err := rews.New(dialer, rcfg, append([]rews.Option{
		rews.WithLogger(o.logger),
		rews.WithHandler(o.handler),
		rews.WithMetrics(o.metrics),
		rews.WithStateObserver(o.observer),
		rews.WithQueue(q),
	}, o.extra...)...)
	if err != nil {
		return nil, err
	}

	return &Client{Supervisor: sup, codec: c}, nil
}

// FromEndpointURLString returns a Client for endpoint with default settings.
func FromEndpointURLString(endpoint string, opts ...Option) (*Client, error) {
	cfg := config.Default()
	cfg.Endpoint = endpoint
	return New(cfg, opts...)
}

// NewDialer returns the websocket engine selected by cfg.Transport.
func NewDialer(cfg *config.Config, c codec.Codec, l logger.Logger) (transport.Dialer, error) {
	mt, err := messageType(cfg, c)
	if err != nil {
		return nil, err
	}

	pongWait := cfg.PongWait()
	if cfg.Keepalive.Interval <= 0 {
		pongWait = 0
	}

	tlsConfig, err := cfg.TLSClientConfig()
	if err != nil {
		return nil, err
	}

	switch cfg.Transport {
	case config.TransportGWS:
		return gws.New(
			gws.WithMessageType(mt),
			gws.WithWriteTimeout(cfg.Timeouts.Write),
			gws.WithPongWait(pongWait),
			gws.WithReadLimit(int(cfg.ReadLimit)),
			gws.WithTLSConfig(tlsConfig),
			gws.WithCompression(cfg.Compression),
			gws.WithLogger(l),
		), nil
	case config.TransportGorilla, "":
		gd := *gorillaws.DefaultDialer
		gd.EnableCompression = cfg.Compression
		gd.TLSClientConfig = tlsConfig
		return gorillaws.New(
			gorillaws.WithMessageType(mt),
			gorillaws.WithWriteTimeout(cfg.Timeouts.Write),
			gorillaws.WithPongWait(pongWait),
			gorillaws.WithReadLimit(cfg.ReadLimit),
			gorillaws.WithGorillaDialer(&gd),
			gorillaws.WithLogger(l),
		), nil
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
	}
}

func messageType(cfg *config.Config, c codec.Codec) (transport.MessageType, error) {
	if cfg.MessageType == "" {
		return c.MessageType(), nil
	}
	return transport.ParseMessageType(cfg.MessageType)
}

// SupervisorConfig translates cfg into the Supervisor's settings. The
// initial message is encoded with c.
func SupervisorConfig(cfg *config.Config, c codec.Codec) (rews.Config, error) {
	rcfg := rews.Config{
		Endpoint:          cfg.Endpoint,
		Header:            cfg.Header(),
		MaxRetries:        cfg.Reconnect.MaxRetries,
		Backoff:           cfg.Backoff(),
		KeepaliveInterval: cfg.Keepalive.Interval,
		KeepaliveTimeout:  cfg.Keepalive.Timeout,
		ReceiveTimeout:    cfg.Timeouts.Receive,
		ConnectTimeout:    cfg.Timeouts.Connect,
		WriteTimeout:      cfg.Timeouts.Write,
		CloseTimeout:      cfg.Timeouts.Close,
	}

	if !cfg.DisableInitialMessage {
		initial := cfg.InitialMessage
		if initial == nil {
			initial = map[string]any{}
		}
		payload, err := c.Marshal(initial)
		if err != nil {
			return rews.Config{}, fmt.Errorf("failed to encode initial message: %w", err)
		}
		rcfg.InitialMessage = payload
	}

	return rcfg, nil
}

func newQueue(cfg *config.Config, o *options) (*queue.Queue[[]byte], error) {
	policy, err := queue.ParseOverflowPolicy(cfg.Queue.Overflow)
	if err != nil {
		return nil, err
	}

	return queue.New(
		queue.WithCapacity[[]byte](cfg.Queue.Capacity),
		queue.WithOverflowPolicy[[]byte](policy),
		queue.WithDropCallback[[]byte](func(payload []byte) {
			o.metrics.MessageDropped()
			o.logger.Warn("tether: outbound queue full, dropped oldest message", "bytes", len(payload))
		}),
	), nil
}

// Codec returns the codec used by SendValue and Decode.
func (c *Client) Codec() codec.Codec {
	return c.codec
}

// SendValue encodes v and sends it. See rews.Supervisor.Send for the
// meaning of the returned error.
func (c *Client) SendValue(ctx context.Context, v any) error {
	payload, err := c.codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	return c.Send(ctx, payload)
}

// Decode unmarshals an inbound payload with the client's codec.
func (c *Client) Decode(payload []byte, dst any) error {
	return c.codec.Unmarshal(payload, dst)
}
