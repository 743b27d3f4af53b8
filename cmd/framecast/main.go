package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framecast/internal/api"
	"github.com/zsiec/framecast/internal/callback"
	"github.com/zsiec/framecast/internal/capture"
	"github.com/zsiec/framecast/internal/certs"
	"github.com/zsiec/framecast/internal/config"
	"github.com/zsiec/framecast/internal/endpoint"
	"github.com/zsiec/framecast/internal/logging"
	"github.com/zsiec/framecast/internal/scheduler"
	"github.com/zsiec/framecast/internal/session"
	"github.com/zsiec/framecast/internal/transport"
)

var version = "dev"

func main() {
	cfg, err := config.Load(os.LookupEnv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log := logging.Setup(os.Stderr, cfg.LogLevel)
	gin.SetMode(gin.ReleaseMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	tlsConf, err := clientTLS(cfg)
	if err != nil {
		log.Error("invalid certificate fingerprint", "error", err)
		os.Exit(1)
	}

	capCfg := capture.Config{
		FrameRate:        cfg.FrameRate,
		KeyFrameInterval: cfg.KeyFrameInterval,
		Scale:            cfg.TimeUnit,
	}

	mgr, err := session.NewManager(session.Options{
		Config: cfg,
		Tracks: capCfg.Tracks(),
		Resolver: &endpoint.DNSResolver{
			Host:       cfg.IngestHost,
			DeviceName: cfg.DeviceName,
			Secure:     cfg.Secure,
			Ports:      endpoint.Ports{SSL: cfg.SSLPort, NonSSL: cfg.NonSSLPort},
		},
		NewTransport: func() (scheduler.Transport, error) {
			return transport.New(cfg.Transport, transport.Options{TLS: tlsConf, Log: log})
		},
		Reconnect: session.DefaultReconnectConfig(),
		Log:       log,
	})
	if err != nil {
		log.Error("failed to create session manager", "error", err)
		os.Exit(1)
	}
	if _, err := mgr.Chain().Register(callback.ListenerFunc(func(ev callback.Event) error {
		log.Info("session event", "type", ev.Type, "session", ev.SessionID, "error", ev.Err)
		return nil
	})); err != nil {
		log.Error("failed to register event logger", "error", err)
		os.Exit(1)
	}

	src := capture.NewSource(capCfg, mgr, log)

	apiSrv, err := api.NewServer(api.ServerConfig{
		Addr:    cfg.APIAddr,
		Status:  mgr.Status,
		Lookup:  mgr.Lookup,
		Capture: src.Stats,
		Log:     log,
	})
	if err != nil {
		log.Error("failed to create status API", "error", err)
		os.Exit(1)
	}

	log.Info("framecast starting",
		"version", version,
		"stream", cfg.StreamName,
		"device", cfg.DeviceName,
		"ingest", cfg.IngestHost,
		"port", cfg.Port(),
		"transport", cfg.Transport,
		"api", cfg.APIAddr,
		"duration", cfg.StreamingDuration,
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return mgr.Run(ctx)
	})

	g.Go(func() error {
		return src.Run(ctx)
	})

	g.Go(func() error {
		return apiSrv.Start(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		mgr.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("framecast stopped", "error", err)
		os.Exit(1)
	}
	log.Info("framecast stopped", "produced", src.Stats().Produced, "dropped", src.Stats().Dropped)
}

// clientTLS pins the ingest certificate when a fingerprint is configured;
// otherwise senders verify against the system roots.
func clientTLS(cfg config.Config) (*tls.Config, error) {
	if cfg.CertFingerprint == "" {
		return nil, nil
	}
	fp, err := certs.ParseFingerprint(cfg.CertFingerprint)
	if err != nil {
		return nil, err
	}
	return certs.PinnedClientConfig(fp, transport.ALPN), nil
}
