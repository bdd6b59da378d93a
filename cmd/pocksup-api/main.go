// Command pocksup-api serves the REST façade over one client session
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/ZentaChain/pocksup/pkg/api"
	"github.com/ZentaChain/pocksup/pkg/config"
	"github.com/ZentaChain/pocksup/pkg/logging"
	"github.com/ZentaChain/pocksup/pkg/metrics"
	"github.com/ZentaChain/pocksup/pkg/network"
	"github.com/ZentaChain/pocksup/pkg/storage"
)

func main() {
	configPath := flag.String("config", "pocksup.toml", "Path to the TOML config file")
	listen := flag.String("listen", "", "HTTP listen address (overrides api.listen)")
	flag.Parse()

	logging.ConfigureRuntime()
	gin.SetMode(gin.ReleaseMode)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.SetLevel(cfg.Log.Level)
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := cfg.ClientOptions()
	opts.Credentials = db
	opts.MessageLog = db
	opts.Store = db
	opts.Metrics = metrics.New(registry)

	client, err := network.NewClient(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create client")
	}
	defer client.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := db.LoadDirectory(ctx, client.Directory()); err != nil {
		log.Warn().Err(err).Msg("failed to load contacts and groups")
	}

	// Without credentials the façade still starts so /session/register works
	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, network.ErrNoCredentials) {
			log.Warn().Msg("not registered yet; use POST /api/v1/session/register")
		} else {
			log.Error().Err(err).Msg("initial connect failed")
		}
	}

	apiCfg := api.DefaultConfig()
	apiCfg.Listen = cfg.API.Listen
	apiCfg.EnableCORS = cfg.API.EnableCORS
	apiCfg.RateLimit = cfg.API.RateLimit
	apiCfg.DB = db
	apiCfg.Gatherer = registry
	server := api.NewServer(client, apiCfg)

	fmt.Println("pocksup REST API")
	fmt.Printf("  session  http://%s/api/v1/session\n", cfg.API.Listen)
	fmt.Printf("  events   http://%s/api/v1/events\n", cfg.API.Listen)
	fmt.Printf("  metrics  http://%s/metrics\n", cfg.API.Listen)

	if err := server.Start(ctx); err != nil {
		log.Error().Err(err).Msg("API server failed")
		os.Exit(1)
	}
	log.Info().Msg("API server stopped")
}
