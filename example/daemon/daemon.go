package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/synoptiq/go-chain"
)

func main() {
	configPath := flag.String("config", "chain.yaml", "Chain configuration file")
	listen := flag.String("listen", ":9464", "Address serving /metrics and /healthz")
	every := flag.Duration("status", 5*time.Second, "Status report interval")
	flag.Parse()

	config, err := chain.LoadChainConfigFromFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.ApplyEnv(chain.DefaultEnvPrefix); err != nil {
		log.Fatalf("Failed to apply environment: %v", err)
	}

	logger, err := chain.NewLogger(config.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	registry, err := newRegistry(logger)
	if err != nil {
		logger.Fatal("failed to register executors", zap.Error(err))
	}

	c, bc, err := chain.BuildChainFromConfig(config, registry, chain.WithLogger(logger))
	if err != nil {
		logger.Fatal("failed to build chain", zap.Error(err))
	}
	defer func() {
		if err := c.Release(); err != nil {
			logger.Warn("release failed", zap.Error(err))
		}
	}()

	srv := newServer(*listen, c, bc)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", zap.Error(err))
		}
	}()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	if err := c.Run(context.Background()); err != nil {
		logger.Error("failed to start chain", zap.Error(err))
		return
	}
	logger.Info("chain running", zap.String("run_id", c.RunID()), zap.String("listen", *listen))

	stages := c.Stages()
	sink := stages[len(stages)-1].ID

	// SIGINT drains what is queued, SIGTERM stops at once.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan error, 1)
	go func() { done <- c.Wait() }()

	ticker := time.NewTicker(*every)
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigChan:
			logger.Info("shutting down", zap.Stringer("signal", sig))
			if sig == syscall.SIGTERM {
				err = c.Stop()
			} else {
				err = c.GentleStop()
			}
			if err == nil {
				err = c.Err()
			}
			<-done
			if err != nil {
				logger.Error("run finished with errors", zap.Error(err))
			}
			return

		case err := <-done:
			if err != nil {
				logger.Error("run finished with errors", zap.Error(err))
			} else {
				logger.Info("run finished")
			}
			return

		case <-ticker.C:
			report, err := status(c, sink)
			if err != nil {
				logger.Warn("status query failed", zap.Error(err))
				continue
			}
			for _, st := range report {
				logger.Info("status",
					zap.String("station", st.Station),
					zap.Int("frames", st.Frames),
					zap.Float64("mean_power", st.MeanPower))
			}
		}
	}
}

func newServer(addr string, c *chain.Chain, bc *chain.BuildContext) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if prom, ok := bc.MetricsCollector.(*chain.PrometheusMetricsCollector); ok {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})))
	}

	router.GET("/healthz", func(ctx *gin.Context) {
		if err := c.HealthCheck(ctx.Request.Context()); err != nil {
			ctx.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "run_id": c.RunID()})
	})

	router.GET("/stages", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"stages": c.Stages(), "stats": c.Stats()})
	})

	return &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
}
