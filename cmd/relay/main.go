package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/pocksup/pkg/logging"
	"github.com/ZentaChain/pocksup/pkg/metrics"
	"github.com/ZentaChain/pocksup/pkg/server"
	"github.com/ZentaChain/pocksup/pkg/storage"
)

const (
	heartbeatInterval = 5 * time.Minute
	cleanupInterval   = time.Hour
)

var (
	tcpAddr      = flag.String("listen", "/ip4/127.0.0.1/tcp/5222", "TCP listen address (host:port or multiaddr)")
	wsAddr       = flag.String("ws", "", "WebSocket listen address, e.g. 127.0.0.1:8443")
	regAddr      = flag.String("registration", "127.0.0.1:8081", "Registration HTTP listen address")
	metricsAddr  = flag.String("metrics", "", "Prometheus listen address")
	dataDir      = flag.String("data", "./data", "Directory for the offline queue and media")
	queueTTL     = flag.Duration("queue-ttl", storage.DefaultQueueTTL, "How long frames wait for offline devices")
	pingInterval = flag.Duration("ping", 0, "Ping every device at this interval (0 disables)")
	rateLimit    = flag.Float64("rate", 0, "Messages per second per connection (0 disables)")
	compression  = flag.Bool("compress", false, "Compress frame bodies")
	fixedCode    = flag.String("code", "", "Issue this verification code instead of a random one")
	logLevel     = flag.String("log-level", "", "Log level (debug, info, warn, error)")
)

func main() {
	flag.Parse()
	logging.ConfigureRuntime()
	logging.SetLevel(*logLevel)

	printBanner()

	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}

	queuePath := filepath.Join(*dataDir, "queue.db")
	queue, err := storage.NewMessageQueue(queuePath, *queueTTL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open message queue")
	}
	defer queue.Close()
	log.Info().Str("path", queuePath).Dur("ttl", *queueTTL).Msg("message queue ready")

	blobs, err := storage.NewShardedBlobs(filepath.Join(*dataDir, "media"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open media store")
	}

	registry := prometheus.NewRegistry()
	srv := server.New(server.Options{
		Queue:             queue,
		Blobs:             blobs,
		PingInterval:      *pingInterval,
		MessagesPerSecond: *rateLimit,
		EnableCompression: *compression,
		FixedCode:         *fixedCode,
		Metrics:           metrics.New(registry),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go queue.RunCleanup(ctx, cleanupInterval)
	go heartbeat(ctx, srv)
	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, registry)
	}

	printStatus()

	err = srv.ListenAndServe(ctx, server.Listeners{
		TCP:          *tcpAddr,
		WebSocket:    *wsAddr,
		Registration: *regAddr,
	})
	if err != nil {
		log.Error().Err(err).Msg("relay stopped")
		os.Exit(1)
	}
	log.Info().Msg("relay stopped")
}

func printBanner() {
	fmt.Println("╔═══════════════════════════════════════════════════╗")
	fmt.Println("║              pocksup reference relay              ║")
	fmt.Println("╚═══════════════════════════════════════════════════╝")
	fmt.Println()
}

func printStatus() {
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("   TCP:          %s\n", *tcpAddr)
	if *wsAddr != "" {
		fmt.Printf("   WebSocket:    ws://%s/\n", *wsAddr)
	}
	if *regAddr != "" {
		fmt.Printf("   Registration: http://%s/v1/code\n", *regAddr)
	}
	if *metricsAddr != "" {
		fmt.Printf("   Metrics:      http://%s/metrics\n", *metricsAddr)
	}
	fmt.Printf("   Data:         %s\n", *dataDir)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println()
}

func heartbeat(ctx context.Context, srv *server.Server) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := srv.Stats(ctx)
			log.Info().
				Int("connected", st.Connected).
				Int("accounts", st.Accounts).
				Int("groups", st.Groups).
				Int("queued", st.Queued).
				Int("blobs", st.Blobs).
				Uint64("routed", st.Routed).
				Str("uptime", st.Uptime).
				Msg("heartbeat")
		}
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics listener failed")
	}
}
