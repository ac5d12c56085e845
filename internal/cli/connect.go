package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tetherws/tether"
	"github.com/tetherws/tether/pkg/config"
	"github.com/tetherws/tether/pkg/logger"
	"github.com/tetherws/tether/pkg/metrics"
	"github.com/tetherws/tether/pkg/rews"
)

const shutdownTimeout = 15 * time.Second

var (
	endpoint    string
	token       string
	transportID string
	headers     []string
	metricsAddr string
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to an endpoint and pipe messages through stdin and stdout",
	Long: `connect sends every non-empty stdin line as one message and prints every
inbound message on its own stdout line. SIGINT or SIGTERM closes the
connection. The exit status is 1 when the reconnect budget is exhausted.`,
	Example: `  tether connect --url wss://example.com/stream --token $TOKEN
  TETHER_URL=ws://localhost:8080/ws tether connect --transport gws`,
	Run: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&endpoint, "url", "", "websocket endpoint (ws:// or wss://)")
	connectCmd.Flags().StringVar(&token, "token", "", "bearer token sent in the handshake")
	connectCmd.Flags().StringVar(&transportID, "transport", "", "websocket engine: gorilla or gws")
	connectCmd.Flags().StringArrayVarP(&headers, "header", "H", nil, `extra handshake header, "Name: value"`)
	connectCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(connectCmd)
}

func runConnect(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	cfg, err := loadConnectConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	log, closeLog, err := newLogger(cfg, isDebug, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = registry
		srv, err := startMetricsServer(cfg.Metrics.Address, registry, log)
		if err != nil {
			log.Error("Failed to start metrics server", "error", err)
			closeLog()
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := connect(ctx, cfg, reg, os.Stdin, os.Stdout, log); err != nil {
		log.Error("Connection terminated", "error", err)
		closeLog()
		os.Exit(1)
	}
}

// loadConnectConfig reads the config file and environment, then applies
// command line overrides.
func loadConnectConfig() (*config.Config, error) {
	cfg, err := config.Read(cfgPath)
	if err != nil {
		return nil, err
	}

	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if token != "" {
		cfg.Token = token
	}
	if transportID != "" {
		cfg.Transport = transportID
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = metricsAddr
	}
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, expected \"Name: value\"", h)
		}
		if cfg.Headers == nil {
			cfg.Headers = map[string]string{}
		}
		cfg.Headers[strings.TrimSpace(name)] = strings.TrimSpace(value)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// connect runs a client until ctx is done or the reconnect budget runs out.
// Lines read from in are sent; inbound messages are written to out.
func connect(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, in io.Reader, out io.Writer, log logger.Logger) error {
	m, err := metrics.New(reg, cfg.Metrics.Namespace, prometheus.Labels{"endpoint": cfg.Endpoint})
	if err != nil {
		return err
	}

	var outMu sync.Mutex
	printer := rews.HandlerFunc(func(_ context.Context, payload []byte) {
		outMu.Lock()
		defer outMu.Unlock()
		if _, err := fmt.Fprintf(out, "%s\n", payload); err != nil {
			log.Warn("Failed to write message", "error", err)
		}
	})

	client, err := tether.New(cfg,
		tether.WithLogger(log),
		tether.WithHandler(printer),
		tether.WithMetrics(m),
		tether.WithStateObserver(func(from, to rews.State) {
			log.Debug("State changed", "from", from, "to", to)
		}),
	)
	if err != nil {
		return err
	}

	go pump(ctx, client, in, log)

	log.Info("Connecting", "endpoint", client.Endpoint(), "transport", cfg.Transport, "codec", client.Codec().Name())
	if err := client.Run(ctx); err != nil {
		return err
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := client.Close(closeCtx); err != nil && !errors.Is(err, rews.ErrClosed) {
		log.Warn("Error during shutdown", "error", err)
	}
	log.Info("Connection closed", "pending", len(client.Pending()))
	return nil
}

func pump(ctx context.Context, client *tether.Client, in io.Reader, log logger.Logger) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		err := client.Send(ctx, append([]byte(nil), line...))
		switch {
		case err == nil:
		case errors.Is(err, rews.ErrQueued):
			log.Debug("Message queued", "pending", len(client.Pending()))
		case errors.Is(err, rews.ErrClosed), ctx.Err() != nil:
			return
		default:
			log.Warn("Failed to send message", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("Failed to read stdin", "error", err)
	}
}

func startMetricsServer(addr string, reg *prometheus.Registry, log logger.Logger) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics server failed to bind: %w", err)
	}

	log.Info("Serving metrics", "address", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server failed", "error", err)
		}
	}()
	return srv, nil
}
