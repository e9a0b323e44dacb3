package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hls-adblock/internal/adblock"
	"hls-adblock/internal/platform/config"
	"hls-adblock/internal/platform/logger"
	"hls-adblock/internal/platform/metrics"
	"hls-adblock/internal/upstream"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	configFile := config.GetEnv("ADBLOCK_CONFIG_FILE", "")
	rateLimit := config.GetEnvInt("RATE_LIMIT_PER_MINUTE", 600)

	log := logger.New(logLevel, logFormat)
	met := metrics.New()

	client := upstream.New(upstream.Config{
		MaxConcurrent:     config.GetEnvInt("UPSTREAM_MAX_CONCURRENT", upstream.DefaultMaxConcurrent),
		Timeout:           config.GetEnvDuration("UPSTREAM_TIMEOUT", upstream.DefaultTimeout),
		RetryAttempts:     config.GetEnvInt("UPSTREAM_RETRY_ATTEMPTS", upstream.DefaultRetryAttempts),
		RetryInitialDelay: config.GetEnvDuration("UPSTREAM_RETRY_INITIAL_DELAY", upstream.DefaultRetryInitialDelay),
		RetryMaxDelay:     config.GetEnvDuration("UPSTREAM_RETRY_MAX_DELAY", upstream.DefaultRetryMaxDelay),
		CircuitThreshold:  config.GetEnvInt("UPSTREAM_CIRCUIT_THRESHOLD", upstream.DefaultCircuitThreshold),
		CircuitCooldown:   config.GetEnvDuration("UPSTREAM_CIRCUIT_COOLDOWN", upstream.DefaultCircuitCooldown),
		RatePerHost:       config.GetEnvFloat("UPSTREAM_RATE_PER_HOST", 0),
		RateBurst:         config.GetEnvInt("UPSTREAM_RATE_BURST", 1),
		Logger:            log.With("component", "upstream"),
		Observer:          met,
	})
	defer client.Close()

	cfg := adblock.DefaultConfig()
	cfg.Enabled = config.GetEnvBool("ADBLOCK_ENABLED", cfg.Enabled)
	cfg.UsherBaseURL = config.GetEnv("ADBLOCK_USHER_BASE_URL", cfg.UsherBaseURL)

	engine, err := adblock.NewEngine(cfg, client,
		adblock.WithLogger(log.With("component", "adblock")),
		adblock.WithMetrics(met),
	)
	if err != nil {
		log.Error("invalid ad-block configuration", "error", err)
		os.Exit(1)
	}
	engine.SetStatusChangeCallback(func(st adblock.Status) {
		log.Debug("status changed",
			"channel", st.ChannelName,
			"active", st.IsActive,
			"phase", st.Phase.String(),
			"showing_ad", st.IsShowingAd,
		)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if configFile != "" {
		apply := func(path string) error {
			var u adblock.ConfigUpdate
			if err := config.LoadYAML(path, &u); err != nil {
				return err
			}
			_, err := engine.UpdateAdBlockConfig(u)
			return err
		}
		if err := apply(configFile); err != nil {
			log.Error("load ad-block config file", "path", configFile, "error", err)
			os.Exit(1)
		}
		w := config.NewWatcher(configFile, apply, log)
		if err := w.Start(ctx); err != nil {
			log.Warn("config file watcher disabled", "error", err)
		} else {
			defer w.Stop()
		}
	}

	h := adblock.NewHandler(engine, client, log)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(engine.ActiveSessionCount()) }).ServeHTTP(w, r)
	})
	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(rateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			}),
		))
		h.Register(r)
	})

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"log_level", logLevel,
		"adblock_enabled", engine.IsAdBlockEnabled(),
		"config_file", configFile,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	log.Info("server stopped")
}
