package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/ottlab/streamd/internal/bus"
	"github.com/ottlab/streamd/internal/config"
	"github.com/ottlab/streamd/internal/fanout"
	"github.com/ottlab/streamd/internal/http/handler"
	mw "github.com/ottlab/streamd/internal/http/middleware"
	"github.com/ottlab/streamd/internal/metrics"
	"github.com/ottlab/streamd/internal/probe"
	"github.com/ottlab/streamd/internal/service"
	"github.com/ottlab/streamd/internal/store"
	"github.com/ottlab/streamd/internal/supervisor"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "streamd.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("streamd %s (commit %s, built %s)\n", config.Version, config.GitCommit, config.BuildDate)
		os.Exit(0)
	}

	isDev := os.Getenv("ENV") == "dev"

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := buildLogger(isDev)
	defer log.Sync()
	log = log.Named("main")

	if err := run(log, cfg, isDev); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server closed")
}

func run(log *zap.Logger, cfg *config.Config, isDev bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.MediaBasePath, 0o755); err != nil {
		return fmt.Errorf("create media root: %w", err)
	}

	dsn := cfg.DatabaseDSN
	if dsn == "" {
		dsn = filepath.Join(cfg.MediaBasePath, "streamd.db")
	}
	st, err := store.Open(log, cfg.DatabaseDriver, dsn, cfg.MaxLogEntriesPerChannel)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	// Core collaborators; lifecycle-managed here, no process-wide globals.
	hwProbe := probe.New(log, probe.Options{
		FFmpegPath:     cfg.FFmpegPath,
		HwaccelEnabled: cfg.HwaccelEnabled,
		HwaccelAuto:    cfg.HwaccelAuto,
		VAAPIDevice:    cfg.VAAPIDevice,
	})
	parser := metrics.NewParser(log)
	stats := metrics.NewProcStats(log)
	evbus := bus.New(log)
	defer evbus.Close()

	sup := supervisor.New(log, st, hwProbe, parser, stats, evbus, supervisor.Options{
		FFmpegPath:          cfg.FFmpegPath,
		MediaBasePath:       cfg.MediaBasePath,
		NVENCPresetOverride: cfg.NVENCPreset,
		RestartMaxAttempts:  cfg.RestartMaxAttempts,
		RestartWindow:       cfg.RestartWindow,
	})

	analyzer := probe.NewAnalyzer(log, cfg.FFprobePath)
	svc := service.NewChannelService(log, st, sup, stats, analyzer)
	push := fanout.New(log, st, sup, stats, 0)

	if err := sup.ReconcileOnBoot(ctx); err != nil {
		return fmt.Errorf("boot reconcile: %w", err)
	}

	r := buildRouter(log, isDev, svc, push)

	httpsrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		svc.RunLogPersister(gctx, evbus)
		return nil
	})
	g.Go(func() error {
		sup.RunHealthLoop(gctx, cfg.HealthCheckInterval)
		return nil
	})
	g.Go(func() error {
		log.Info("running HTTP server", zap.String("addr", httpsrv.Addr))
		if err := httpsrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := httpsrv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		push.Shutdown()
		if err := sup.Shutdown(shutdownCtx); err != nil {
			log.Warn("supervisor shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func buildRouter(log *zap.Logger, isDev bool, svc *service.ChannelService, push *fanout.Fanout) *gin.Engine {
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(mw.RequestID())
	r.Use(accessLog(log))
	if isDev {
		r.Use(cors.New(cors.Config{
			AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000"},
			AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"X-Request-ID", "Content-Type", "Authorization"},
			ExposeHeaders:    []string{"X-Request-ID", "X-Total-Count"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	r.Use(func(c *gin.Context) {
		// Hard cap on request bodies; channel payloads are small.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	chnlhndlr := handler.NewChannelsHandler(log, svc)
	r.GET("/api/channels", chnlhndlr.List)
	r.POST("/api/channels", chnlhndlr.Create)
	r.GET("/api/channels/status", chnlhndlr.Status)
	r.GET("/api/channels/:id", chnlhndlr.Get)
	r.PUT("/api/channels/:id", chnlhndlr.Update)
	r.DELETE("/api/channels/:id", chnlhndlr.Delete)
	r.POST("/api/channels/:id/start", chnlhndlr.Start)
	r.POST("/api/channels/:id/stop", chnlhndlr.Stop)
	r.POST("/api/channels/:id/restart", chnlhndlr.Restart)
	r.GET("/api/channels/:id/logs", chnlhndlr.Logs)
	r.DELETE("/api/channels/:id/logs", chnlhndlr.DeleteLogs)
	r.GET("/api/channels/:id/stats", chnlhndlr.Stats)
	r.POST("/api/analyze/audio", chnlhndlr.AnalyzeAudio)

	subshndlr := handler.NewSubscriptionsHandler(log, push)
	r.GET("/api/ws", subshndlr.Serve)

	return r
}

// accessLog records request/response details with zap after handling.
func accessLog(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("access")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}

		var errs []error
		for _, ge := range c.Errors {
			if ge.Err != nil {
				errs = append(errs, ge.Err)
			}
		}
		joinedErr := errors.Join(errs...)

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.String("client_ip", c.ClientIP()),
			zap.Duration("latency", time.Since(start)),
			zap.String("request_id", mw.GetRequestID(c)),
		}
		if joinedErr != nil {
			fields = append(fields, zap.Error(joinedErr))
		}

		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	}
}

func buildLogger(isDev bool) *zap.Logger {
	if isDev {
		logConfig := zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logConfig.DisableStacktrace = true
		logConfig.DisableCaller = true
		logConfig.Level.SetLevel(zap.DebugLevel)
		return zap.Must(logConfig.Build())
	}
	return zap.Must(zap.NewProduction())
}
