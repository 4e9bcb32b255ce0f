package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"webrtc-streamer/internal/archive"
	"webrtc-streamer/internal/ingest"
	"webrtc-streamer/internal/pipeline"
	"webrtc-streamer/internal/platform/config"
	"webrtc-streamer/internal/platform/logger"
	"webrtc-streamer/internal/platform/metrics"
	"webrtc-streamer/internal/relay"
	"webrtc-streamer/internal/session"

	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8081")
	input := config.GetEnv("INPUT", "/dev/video0")
	useNVENC := config.GetEnvBool("USE_NVENC", false)
	scale := config.GetEnv("VIDEO_SCALE", "1280:720")
	rtpPort := config.GetEnvInt("UDP_PORT", 10000)
	hlsDir := config.GetEnv("HLS_DIR", "/hls")
	recordDir := config.GetEnv("RECORD_DIR", "/recordings")
	recordEnable := config.GetEnvBool("RECORD_ENABLE", false)
	restartDelay := config.GetEnvDuration("RESTART_DELAY", pipeline.DefaultRestartDelay)
	ffmpegBin := config.GetEnv("FFMPEG_BIN", "ffmpeg")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")

	log := logger.New(logLevel, logFormat)

	for _, dir := range []string{hlsDir, recordDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("create directory", "dir", dir, "error", err)
			os.Exit(1)
		}
	}

	met := metrics.New()

	pipeCfg := pipeline.Config{
		Input:        input,
		UseNVENC:     useNVENC,
		Scale:        scale,
		RTPPort:      rtpPort,
		HLSDir:       hlsDir,
		RecordDir:    recordDir,
		RecordEnable: recordEnable,
		RestartDelay: restartDelay,
	}
	sup := pipeline.NewSupervisor(pipeCfg, pipeline.NewExecRunner(ffmpegBin), log, met)

	adapter, err := ingest.Open(rtpPort, log)
	if err != nil {
		log.Error("open ingest transport", "error", err)
		os.Exit(1)
	}

	rel := relay.New(adapter.Video(), adapter.Audio(), log)
	mgr, err := session.NewManager(rel, log, met)
	if err != nil {
		log.Error("create session manager", "error", err)
		os.Exit(1)
	}
	h := session.NewHandler(mgr, log, met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Post("/offer", h.Offer)
	r.Options("/offer", h.OfferPreflight)
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		met.Handler(func() {
			met.SetHLSWindowSegments(archive.WindowSize(hlsDir))
		}).ServeHTTP(w, req)
	})

	supCtx, stopSupervisor := context.WithCancel(context.Background())
	supDone := make(chan struct{})
	go func() {
		defer close(supDone)
		if err := sup.Run(supCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("supervisor stopped", "error", err)
		}
	}()

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("streamer started",
		"port", port,
		"input", input,
		"nvenc", useNVENC,
		"rtp_port", rtpPort,
		"hls_dir", hlsDir,
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("http shutdown error", "error", err)
	}

	stopSupervisor()
	<-supDone

	mgr.CloseAll()
	if err := adapter.Close(); err != nil {
		log.Error("close ingest transport", "error", err)
	}

	log.Info("streamer stopped")
}
