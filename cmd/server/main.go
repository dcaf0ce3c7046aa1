// Package main is the entry point for the reverse proxy server. The proxy
// fronts incompatible LLM provider APIs with OpenAI and Anthropic compatible
// routes, spending a pool of provider credentials on behalf of its clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/IHaBiS02/oai-reverse-proxy/internal/api"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/config"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/keypool"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
	log "github.com/IHaBiS02/oai-reverse-proxy/internal/logging"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/queue"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/relay"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/upstream"
	"github.com/IHaBiS02/oai-reverse-proxy/internal/usage"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	logging.SetupBaseLogger()
}

func main() {
	fmt.Printf("oai-reverse-proxy Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)

	var configPath string
	var port int
	var debug bool

	flag.StringVar(&configPath, "config", "config.yaml", "Configuration file path")
	flag.IntVar(&port, "port", 0, "Override the configured listen port")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	wd, err := os.Getwd()
	if err != nil {
		log.Fatalf("failed to get working directory: %v", err)
	}

	if errLoad := godotenv.Load(filepath.Join(wd, ".env")); errLoad != nil {
		if !errors.Is(errLoad, os.ErrNotExist) {
			log.WithError(errLoad).Warn("failed to load .env file")
		}
	}

	cfg, err := config.LoadConfigOptional(configPath, true)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	if port != 0 {
		cfg.Port = port
	}
	if debug {
		cfg.Debug = true
	}
	applyEnvOverrides(cfg)

	if cfg.Debug {
		logging.SetLevel(slog.LevelDebug)
	}
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.WithError(err).Warn("failed to configure log output")
	}

	pool := keypool.NewPool(cfg.Upstreams)
	totalKeys := 0
	for provider := range cfg.Upstreams {
		n := pool.Available(provider)
		totalKeys += n
		log.Infof("provider %s: %d keys", provider, n)
	}
	if totalKeys == 0 {
		log.Warnf("no upstream API keys configured, all relay requests will fail")
	}

	q := queue.NewQueue(cfg.Queue)

	client, err := upstream.NewClient(cfg)
	if err != nil {
		log.Fatalf("failed to build upstream client: %v", err)
	}

	var store *usage.Store
	if cfg.UsagePersistence.Enabled {
		up := cfg.UsagePersistence
		store, err = usage.NewStore(up.DBPath, up.BatchSize, up.FlushIntervalSecs, up.RetentionDays)
		if err != nil {
			log.Fatalf("failed to open prompt store: %v", err)
		}
		log.Infof("prompt persistence enabled at %s", store.DBPath())
	}
	tracker := usage.NewTracker(store)

	var sink relay.PromptSink
	if cfg.PromptLogging {
		sink = tracker
	}
	pipeline := relay.NewPipeline(pool, q, tracker, sink)

	srv := api.NewServer(cfg, pool, q, client, pipeline, tracker)

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		pool.Reload(next.Upstreams)
		log.Infof("configuration reloaded, key pool updated")
	})
	if err != nil {
		log.WithError(err).Warn("configuration watching disabled")
	} else {
		defer func() {
			_ = watcher.Close()
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	log.Infof("listening on :%d", cfg.Port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("server error: %v", err)
		}
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Stop(ctx); err != nil {
			log.Errorf("graceful shutdown failed: %v", err)
		}
	}
}

// applyEnvOverrides lets key material come from the environment so it can
// stay out of the config file. Comma-separated lists append to the
// configured pools.
func applyEnvOverrides(cfg *config.Config) {
	appendKeys := func(provider config.Provider, env string) {
		value, ok := os.LookupEnv(env)
		if !ok || value == "" {
			return
		}
		up := cfg.Upstreams[provider]
		up.Keys = append(up.Keys, splitKeys(value)...)
		cfg.Upstreams[provider] = up
	}
	appendKeys(config.ProviderOpenAI, "OPENAI_KEYS")
	appendKeys(config.ProviderAnthropic, "ANTHROPIC_KEYS")

	if value, ok := os.LookupEnv("PROXY_KEYS"); ok && value != "" {
		cfg.ProxyKeys = append(cfg.ProxyKeys, splitKeys(value)...)
	}
}

func splitKeys(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
