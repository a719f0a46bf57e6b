package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/joho/godotenv"

	"github.com/calls-live/whisperlive-gateway/internal/config"
	"github.com/calls-live/whisperlive-gateway/internal/eventlog"
	"github.com/calls-live/whisperlive-gateway/internal/health"
	"github.com/calls-live/whisperlive-gateway/internal/ringbuffer"
	"github.com/calls-live/whisperlive-gateway/internal/transcribe"
	"github.com/calls-live/whisperlive-gateway/internal/transcribe/azure"
	"github.com/calls-live/whisperlive-gateway/internal/transcribe/whispercpp"
	"github.com/calls-live/whisperlive-gateway/internal/vad"
	"github.com/calls-live/whisperlive-gateway/internal/wsgateway"
)

const shutdownTimeout = 10 * time.Second

func slogReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.SourceKey {
		source := a.Value.Any().(*slog.Source)
		source.File = filepath.Base(source.File)
	}
	return a
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env file", "err", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource:   true,
		ReplaceAttr: slogReplaceAttr,
	})).With("component", "gateway")
	slog.SetDefault(logger)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.IsValid(); err != nil {
		logger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	var whisperModel whisperlib.Model
	if cfg.Backend == config.BackendWhisperCPP {
		m, err := whisperlib.New(cfg.WhisperModelPath)
		if err != nil {
			logger.Error("failed to load whisper.cpp model", "err", err)
			os.Exit(1)
		}
		whisperModel = m
	}

	var vadPool *vad.Pool
	if cfg.UseVAD {
		vadPool = vad.NewPool(cfg.VADModelPath, ringbuffer.SampleRate)
	}

	publisher := eventlog.New(eventlog.Config{
		StreamURL: cfg.RedisStreamURL,
		StreamKey: cfg.RedisStreamKey,
	}, logger.With("component", "eventlog"))

	newTranscriber := func(h wsgateway.Handshake) (transcribe.Transcriber, error) {
		switch cfg.Backend {
		case config.BackendAzure:
			return azure.New(azure.Config{
				SpeechKey:      cfg.AzureSpeechKey,
				SpeechRegion:   cfg.AzureSpeechRegion,
				Task:           defaultString(h.Task, "transcribe"),
				InputLanguage:  h.Language,
				OutputLanguage: h.Language,
			})
		default:
			return whispercpp.New(whisperModel, h.Language, cfg.SingleModel), nil
		}
	}

	gw := wsgateway.New(wsgateway.Config{
		MaxClients:        cfg.MaxClients,
		MaxConnectionTime: cfg.MaxConnectionTime,
		UseVAD:            cfg.UseVAD,
		BackendName:       string(cfg.Backend),
		NewTranscriber:    newTranscriber,
		NewVAD: func() (wsgateway.VAD, error) {
			if vadPool == nil {
				return nil, fmt.Errorf("vad not configured")
			}
			return vadPool.Get()
		},
		Publisher: publisher,
		Logger:    logger.With("component", "wsgateway"),
	})

	// gatewaySrv/healthSrv/healthHandler/cancelMonitor are filled in below;
	// shutdown closes over the variables (not their zero values) since it
	// only ever runs after all of them are assigned.
	var (
		gatewaySrv    *http.Server
		healthSrv     *http.Server
		healthHandler *health.Handler
		cancelMonitor context.CancelFunc
	)

	var shutdownOnce sync.Once
	shutdown := func(reason string, exitCode int) {
		shutdownOnce.Do(func() {
			logger.Info("shutting down", "reason", reason)

			gw.SetUnready()
			cancelMonitor()
			healthHandler.Stop()

			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = gatewaySrv.Shutdown(ctx)
			_ = healthSrv.Shutdown(ctx)

			publisher.Disconnect()
			if whisperModel != nil {
				_ = whisperModel.Close()
			}

			logger.Info("gateway has stopped, exiting", "exit_code", exitCode)
			os.Exit(exitCode)
		})
	}

	healthHandler = health.New(logger.With("component", "health"), func() {
		shutdown("self-monitor: too many consecutive unhealthy checks", 1)
	},
		health.Checker{Name: "gateway", Check: func(context.Context) error {
			if !gw.Ready() {
				return fmt.Errorf("not ready")
			}
			return nil
		}},
		health.Checker{Name: "eventlog", Check: func(context.Context) error {
			if !publisher.Healthy() {
				return fmt.Errorf("not connected")
			}
			return nil
		}},
	)

	var monitorCtx context.Context
	monitorCtx, cancelMonitor = context.WithCancel(context.Background())
	go healthHandler.RunMonitor(monitorCtx)

	gatewaySrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: gw.Handler(),
	}
	healthSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.HealthPort),
		Handler: healthHandler,
	}

	go func() {
		logger.Info("gateway listening", "addr", gatewaySrv.Addr)
		if err := gatewaySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("gateway server failed", "err", err)
		}
	}()
	go func() {
		logger.Info("health endpoint listening", "addr", healthSrv.Addr)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("health server failed", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdown("received signal", 0)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
