package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/proto"
	"liyu1981.xyz/medipi-dispenser/pkg/common"
	"liyu1981.xyz/medipi-dispenser/pkg/connectivity"
	"liyu1981.xyz/medipi-dispenser/pkg/db"
	"liyu1981.xyz/medipi-dispenser/pkg/dispenser"
	"liyu1981.xyz/medipi-dispenser/pkg/events"
	medipiGrpc "liyu1981.xyz/medipi-dispenser/pkg/grpc"
	"liyu1981.xyz/medipi-dispenser/pkg/hardware"
	medipiHttp "liyu1981.xyz/medipi-dispenser/pkg/http"
	"liyu1981.xyz/medipi-dispenser/pkg/schedule"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file loaded, using environment and defaults")
	}

	cfg, err := common.LoadConfig()
	if err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logger := common.GetLogger()
	defer func() { _ = logger.Sync() }()

	serial, err := dispenser.LoadOrCreateSerial(cfg.Storage.DataDir)
	if err != nil {
		logger.Fatal("Failed to load serial number", zap.Error(err))
	}
	logger.Info("Starting MediPi dispenser", zap.String("serial", serial), zap.String("broker", cfg.MQTT.BrokerURL()))

	var dbInstance *db.DB
	switch cfg.Storage.DbType {
	case "file":
		if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
			logger.Fatal("Failed to create data dir", zap.Error(err))
		}
		dbInstance = db.GetInstance(db.UseSqliteDialector(cfg.Storage.DbPath))
	case "memory":
		dbInstance = db.GetInstance(db.UseMemorySqliteDialector())
	default:
		logger.Fatal("Unknown db type " + cfg.Storage.DbType)
	}

	store := schedule.NewStore(dbInstance)
	if err := store.Load(); err != nil {
		logger.Error("Failed to load schedules, starting empty", zap.Error(err))
	}

	devices, err := hardware.Open(cfg.Hardware)
	if err != nil {
		logger.Fatal("Failed to open hardware", zap.Error(err))
	}

	will, err := dispenser.WillMessage(common.LocalIPAddress(), store.Count())
	if err != nil {
		logger.Fatal("Failed to encode last will", zap.Error(err))
	}

	topics := connectivity.NewTopics(cfg.MQTT.TopicPrefix, serial)
	transport := connectivity.NewPahoTransport(connectivity.PahoConfig{
		BrokerURL:      cfg.MQTT.BrokerURL(),
		ClientID:       "medipi-dispenser-" + serial,
		Keepalive:      cfg.MQTT.Keepalive,
		ConnectTimeout: 10 * time.Second,
		WillTopic:      topics.Status,
		WillPayload:    will,
		WillQoS:        cfg.MQTT.QoS,
	})

	bus := events.NewBus()
	conn := connectivity.NewManager(transport, bus, topics, connectivity.Options{
		QoS:            cfg.MQTT.QoS,
		ReconnectDelay: cfg.MQTT.ReconnectDelay,
		PingInterval:   cfg.MQTT.PingInterval,
		MaxPending:     cfg.MQTT.MaxPending,
	})

	opts := dispenser.OptionsFromConfig(serial, cfg)
	medipi := dispenser.New(bus, conn, store, devices, opts)

	defaultRate := rate.Limit(cfg.Server.DefaultRate)
	defaultBurst := cfg.Server.DefaultBurst

	var grpcServer *grpc.Server
	var healthServer *medipiGrpc.HealthServer
	if grpcHostPort := cfg.Server.GrpcHostPort; grpcHostPort != "" {
		healthServer = medipiGrpc.NewHealthServer(bus, conn, dispenser.NewRateLimiterStore(defaultRate, defaultBurst))
		interceptor := healthServer.CreateRateLimitInterceptor([]proto.Message{
			&healthpb.HealthCheckRequest{},
		})
		grpcServer = grpc.NewServer(grpc.UnaryInterceptor(interceptor))
		healthServer.Register(grpcServer)

		listener, err := net.Listen("tcp", grpcHostPort)
		if err != nil {
			logger.Fatal("Failed to listen for gRPC", zap.Error(err))
		}
		logger.Info("gRPC server created with:",
			zap.String("default_limiter",
				fmt.Sprintf("{\"default_rate\": %v, \"default_burst\": %v}", defaultRate, defaultBurst)))

		go func() {
			logger.Info("start gRPC server on " + grpcHostPort)
			if err := grpcServer.Serve(listener); err != nil {
				logger.Error("grpc server failed to serve", zap.Error(err))
			}
		}()
	}

	if !common.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}
	rs := &medipiHttp.RestfulServer{
		Server:           gin.Default(),
		Dispenser:        medipi,
		RateLimiterStore: dispenser.NewRateLimiterStore(defaultRate, defaultBurst),
	}
	rs.Setup()

	httpServer := &http.Server{Addr: cfg.Server.HttpHostPort, Handler: rs.Server}
	go func() {
		logger.Info("Starting HTTP server on: " + cfg.Server.HttpHostPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed to serve", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		medipi.Run(context.Background())
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	if healthServer != nil {
		healthServer.Shutdown()
	}

	// the dispenser stops its own background tasks once the final status is out
	if err := medipi.Shutdown(opts.ShutdownGrace); err != nil {
		logger.Error("Shutdown finished with errors", zap.Error(err))
	}
	<-runDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
}
