package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/secure"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/edirooss/evbus/internal/config"
	"github.com/edirooss/evbus/internal/dispatcher"
	"github.com/edirooss/evbus/internal/http/handler"
	mw "github.com/edirooss/evbus/internal/http/middleware"
	"github.com/edirooss/evbus/internal/metrics"
	"github.com/edirooss/evbus/internal/repo"
	"github.com/edirooss/evbus/internal/service"
)

func main() {
	// Read env
	isDev := os.Getenv("ENV") == "dev"

	configPath := flag.String("config", "", "path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Create Zap logger
	log := buildLogger(isDev)
	defer log.Sync()
	log = log.Named("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis-backed broker and document store
	client := repo.NewRedisClient(cfg.RedisAddr, cfg.RedisDB, log)
	defer client.Close()
	bus := repo.NewBus(log, client)
	kv := repo.NewKV(log, client)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	disp := dispatcher.New(log, bus, kv, m, dispatcher.Options{
		Prefix:                    cfg.Prefix,
		InstanceName:              cfg.InstanceName,
		IncomerUUID:               cfg.IncomerUUID,
		PingInterval:              cfg.PingInterval.Std(),
		CheckLastActivityInterval: cfg.CheckLastActivityInterval.Std(),
		CheckTransactionInterval:  cfg.CheckTransactionInterval.Std(),
		IdleTime:                  cfg.IdleTime.Std(),
		MinElectionTimeout:        cfg.MinElectionTimeout.Std(),
		MaxElectionTimeout:        cfg.MaxElectionTimeout.Std(),
	})
	if err := disp.Initialize(ctx); err != nil {
		log.Fatal("dispatcher initialization failed", zap.Error(err))
	}

	// Create Gin router
	if !isDev {
		gin.SetMode(gin.ReleaseMode)
	}
	gin.DefaultWriter = zap.NewStdLog(log.Named("gin")).Writer()
	r := gin.New()

	// Apply Gin middlewares
	{
		r.Use(gin.Recovery())
		r.Use(mw.RequestID())

		if isDev { // Enable CORS for local dashboards
			r.Use(cors.New(cors.Config{
				AllowOrigins:  []string{"http://localhost:5173", "http://localhost:3000"},
				AllowMethods:  []string{"GET", "OPTIONS"},
				AllowHeaders:  []string{"X-Request-ID", "Content-Type"},
				ExposeHeaders: []string{"X-Request-ID", "X-Total-Count", "X-Cache", "X-Summary-Generated-At"},
				MaxAge:        12 * time.Hour,
			}))
		} else { // Behind a TLS-terminating proxy
			r.Use(secure.New(secure.Config{
				SSLProxyHeaders: map[string]string{
					"X-Forwarded-Proto": "https",
				},
			}))
		}
	}

	// Register route handlers
	{
		r.GET("/api/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

		summarysvc := service.NewSummaryService(log, disp, service.SummaryOptions{AllowStaleOnError: true})
		bushndlr := handler.NewBusHandler(log, disp, summarysvc)
		r.GET("/api/incomers", bushndlr.GetIncomers)
		r.GET("/api/transactions", bushndlr.GetTransactions)
		r.GET("/api/summary", bushndlr.GetSummary)

		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})))
	}

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("admin api listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http shutdown", zap.Error(err))
		}
		return disp.Close()
	})

	if err := g.Wait(); err != nil {
		log.Fatal("exited with error", zap.Error(err))
	}
	log.Info("bye")
}

func buildLogger(isDev bool) *zap.Logger {
	if isDev {
		logConfig := zap.NewDevelopmentConfig()
		logConfig.EncoderConfig.TimeKey = ""
		logConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		logConfig.DisableStacktrace = true
		logConfig.DisableCaller = true
		logConfig.Level.SetLevel(zap.DebugLevel)
		return zap.Must(logConfig.Build())
	}
	return zap.Must(zap.NewProduction())
}
