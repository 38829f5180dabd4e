package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/junovale/clusterdash/internal/api"
	"github.com/junovale/clusterdash/internal/cloud"
	"github.com/junovale/clusterdash/internal/config"
	"github.com/junovale/clusterdash/internal/events"
	"github.com/junovale/clusterdash/internal/manager"
	"github.com/junovale/clusterdash/internal/storage"
	"github.com/junovale/clusterdash/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "clusterdash.yaml", "YAML config path")
	httpAddr := flag.String("http-addr", "", "HTTP listen address (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "metrics listen address (overrides config)")
	dbPath := flag.String("db", "", "Badger DB path (overrides config)")
	natsURL := flag.String("nats", "", "NATS URL, empty string in config disables the worker channel")
	traceOut := flag.String("trace-out", "", "write spans to this file (default: discard)")
	debug := flag.Bool("debug", false, "debug logging")
	flag.Parse()

	logCfg := zap.NewProductionConfig()
	if *debug {
		logCfg = zap.NewDevelopmentConfig()
	}
	log, err := logCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *natsURL != "" {
		cfg.NATSURL = *natsURL
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	var traceW io.Writer = io.Discard
	if *traceOut != "" {
		f, err := os.Create(*traceOut)
		if err != nil {
			log.Fatal("open trace output", zap.Error(err))
		}
		defer f.Close()
		traceW = f
	}
	shutdownTracing, err := telemetry.Setup(ctx, traceW)
	if err != nil {
		log.Fatal("tracing setup", zap.Error(err))
	}

	// Storage
	store, err := storage.NewBadgerStore(cfg.DBPath)
	if err != nil {
		log.Fatal("open badger store", zap.Error(err))
	}
	defer store.Close()

	// Cloud middleware
	cl, err := buildCloud(ctx, cfg, log)
	if err != nil {
		log.Fatal("cloud setup", zap.Error(err))
	}
	logMasterIdentity(ctx, cl, log)

	// Worker channel. The typed nil matters: the manager checks its
	// channel against nil, so only hand it a connected bus.
	var ch manager.WorkerChannel
	if cfg.NATSURL != "" {
		bus, err := events.Connect(cfg.NATSURL, log)
		if err != nil {
			log.Warn("worker channel unavailable, continuing without it", zap.Error(err))
		} else {
			defer bus.Close()
			ch = bus
		}
	}

	mgr := manager.New(cfg, cl, store, ch, log)
	if err := mgr.Start(ctx); err != nil {
		log.Fatal("manager start", zap.Error(err))
	}

	mon := manager.NewMonitor(mgr, cfg.MountPoints, log)
	go mon.Run(ctx)

	go func() {
		if err := config.Watch(ctx, *cfgPath, log, mgr.ApplyConfig); err != nil {
			log.Warn("config watch", zap.Error(err))
		}
	}()

	// Console HTTP server
	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.NewHTTPHandler(mgr, log),
	}
	go func() {
		log.Info("console listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http listen", zap.Error(err))
		}
	}()

	// Metrics endpoint
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}
	go func() {
		log.Info("metrics listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("metrics listen", zap.Error(err))
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info("shutdown initiated")
	cancel()

	sdCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sdCancel()
	if err := httpServer.Shutdown(sdCtx); err != nil {
		log.Error("http server shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(sdCtx); err != nil {
		log.Error("metrics server shutdown", zap.Error(err))
	}
	// Workers stay up across a console restart; shutdown only persists.
	if err := mgr.Shutdown(sdCtx, false); err != nil {
		log.Error("manager shutdown", zap.Error(err))
	}
	if err := shutdownTracing(sdCtx); err != nil {
		log.Error("tracing shutdown", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	api.RegisterMetrics(mux)
	return mux
}

// logMasterIdentity records what the cloud knows about the node the
// console runs on. Best effort; off-cloud runs have no metadata service.
func logMasterIdentity(ctx context.Context, cl cloud.Interface, log *zap.Logger) {
	id, err := cl.GetInstanceID(ctx)
	if err != nil {
		log.Warn("instance metadata unavailable", zap.Error(err))
		return
	}
	itype, _ := cl.GetInstanceType(ctx)
	zone, _ := cl.GetZone(ctx)
	ami, _ := cl.GetAMI(ctx)
	pub, _ := cl.GetPublicIP(ctx)
	priv, _ := cl.GetPrivateIP(ctx)
	groups, _ := cl.GetSecurityGroups(ctx)
	key, _ := cl.GetKeyPairName(ctx)
	log.Info("master instance identity",
		zap.String("id", id),
		zap.String("type", itype),
		zap.String("zone", zone),
		zap.String("ami", ami),
		zap.String("public_ip", pub),
		zap.String("private_ip", priv),
		zap.Strings("security_groups", groups),
		zap.String("key_pair", key))
}

func buildCloud(ctx context.Context, cfg *config.Config, log *zap.Logger) (cloud.Interface, error) {
	switch cfg.Cloud.Provider {
	case "fake", "":
		return cloud.NewFake(), nil
	case "ec2", "openstack":
		return cloud.NewEC2(ctx, cloud.EC2Options{
			AccessKey:      cfg.Cloud.AccessKey,
			SecretKey:      cfg.Cloud.SecretKey,
			Region:         cfg.Cloud.Region,
			Endpoint:       cfg.Cloud.Endpoint,
			ImageID:        cfg.Cloud.ImageID,
			KeyName:        cfg.Cloud.KeyName,
			SecurityGroups: cfg.Cloud.SecurityGroups,
		}, log)
	default:
		return nil, fmt.Errorf("unknown cloud provider %q", cfg.Cloud.Provider)
	}
}
