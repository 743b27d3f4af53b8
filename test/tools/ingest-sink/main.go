// Command ingest-sink accepts framecast uploads over SRT, QUIC and WebSocket
// and logs per-stream counters. It is a local stand-in for a real ingest
// service:
//
//	go run ./test/tools/ingest-sink
//	FRAMECAST_TRANSPORT=quic FRAMECAST_SECURE=true FRAMECAST_SSL_PORT=8443 \
//	  FRAMECAST_CERT_FINGERPRINT=<printed fingerprint> go run ./cmd/framecast
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framecast/internal/certs"
	"github.com/zsiec/framecast/internal/ingest"
	"github.com/zsiec/framecast/internal/media"
	"github.com/zsiec/framecast/internal/transport"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	gin.SetMode(gin.ReleaseMode)

	srtAddr := envOr("SINK_SRT_ADDR", ":8080")
	quicAddr := envOr("SINK_QUIC_ADDR", ":8443")
	httpAddr := envOr("SINK_HTTP_ADDR", ":8080")

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	fmt.Println(cert.FingerprintBase64())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	registry := ingest.NewRegistry(func(key string, f *media.Frame) {
		if f.IsKeyFrame() && f.TrackID == media.DefaultVideoTrackID {
			slog.Debug("key frame", "stream", key, "seq", f.Seq, "bytes", f.Size())
		}
	})

	srtSrv := ingest.NewSRTServer(srtAddr, registry, nil)
	quicSrv := ingest.NewQUICServer(quicAddr, cert.ServerConfig(transport.ALPN), registry, nil)
	wsSrv := ingest.NewWSServer(registry, nil)

	router := gin.New()
	router.Use(gin.Recovery())
	wsSrv.Routes(router)
	router.GET("/api/streams", func(c *gin.Context) {
		c.JSON(http.StatusOK, registry.List())
	})
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("ingest sink starting",
		"srt", srtAddr,
		"quic", quicAddr,
		"http", httpAddr,
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srtSrv.Start(ctx)
	})

	g.Go(func() error {
		return quicSrv.Start(ctx)
	})

	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for _, st := range registry.List() {
					slog.Info("stream",
						"key", st.Key,
						"protocol", st.Protocol,
						"frames", st.FrameCount,
						"key_frames", st.KeyFrames,
						"gaps", st.Gaps,
						"bytes", st.BytesReceived,
						"uptime_ms", st.UptimeMs)
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		slog.Error("ingest sink error", "error", err)
		os.Exit(1)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
