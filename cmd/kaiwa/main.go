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

	audioimpl "github.com/foxseedlab/kaiwa/external/audio"
	configloader "github.com/foxseedlab/kaiwa/external/config"
	discordimpl "github.com/foxseedlab/kaiwa/external/discord"
	streamingimpl "github.com/foxseedlab/kaiwa/external/streaming"
	transcriberimpl "github.com/foxseedlab/kaiwa/external/transcriber"
	webhookimpl "github.com/foxseedlab/kaiwa/external/webhook"
	"github.com/foxseedlab/kaiwa/internal/audio"
	"github.com/foxseedlab/kaiwa/internal/config"
	"github.com/foxseedlab/kaiwa/internal/diarization"
	"github.com/foxseedlab/kaiwa/internal/metrics"
	"github.com/foxseedlab/kaiwa/internal/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/do/v2"
	"github.com/spf13/cobra"
)

const (
	shutdownTimeout = 15 * time.Second
	probeTimeout    = 5 * time.Second
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	rootCmd := &cobra.Command{
		Use:          "kaiwa",
		Short:        "Transcribe live conversations with speaker labels",
		Long:         "Captures the microphone and system audio, transcribes it with batch and streaming recognizers, and delivers speaker-labelled lines to a webhook and Discord.",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(newRunCmd(&configPath))
	rootCmd.AddCommand(newDevicesCmd(&configPath))
	return rootCmd
}

func newRunCmd(configPath *string) *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a transcription session until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			initLogger(cfg)
			slog.Info("startup: configuration loaded", "env", cfg.Env)

			reg := prometheus.NewRegistry()
			injector := setupDI(cfg, reg)
			if cfg.MetricsAddress != "" {
				go serveMetrics(cfg.MetricsAddress, reg)
			}
			return runSession(cmd.Context(), injector, outputPath)
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "write the session transcript to this file on exit")
	return cmd
}

func newDevicesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "Check which capture sources this host can provide",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			initLogger(cfg)
			capturer := audioimpl.NewPulseCapturer(cfg.Audio.MicrophoneSource, cfg.Audio.SystemAudioSink)
			format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}

			ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
			defer cancel()
			out := cmd.OutOrStdout()
			for _, r := range audio.Probe(ctx, capturer, format) {
				if r.Err != nil {
					fmt.Fprintf(out, "%-13s %s (%v)\n", r.Kind, r.Status, r.Err)
					continue
				}
				fmt.Fprintf(out, "%-13s %s\n", r.Kind, r.Status)
			}
			return nil
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := configloader.Load(path)
	if err != nil {
		slog.Error("config validation failed", "error", err)
		return nil, err
	}
	return cfg, nil
}

// initLogger writes to stderr so stdout carries only transcript lines.
func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config, reg prometheus.Registerer) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	do.ProvideValue(injector, metrics.NewMetrics(reg))
	audioimpl.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	streamingimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	discordimpl.RegisterDI(injector)
	session.RegisterDI(injector)

	return injector
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	slog.Info("metrics server listening", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server failed", "error", err)
	}
}

func runSession(parent context.Context, injector do.Injector, outputPath string) error {
	manager, err := do.Invoke[*session.Manager](injector)
	if err != nil {
		slog.Error("failed to resolve session manager", "error", err)
		return err
	}
	defer func() {
		if err := manager.Close(); err != nil {
			slog.Error("session manager close failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	unsubscribeLine := manager.OnLine(func(l session.Line) {
		fmt.Fprintln(os.Stdout, l.Rendered)
	})
	defer unsubscribeLine()
	unsubscribeState := manager.OnStateChange(func(s diarization.ConnectionState) {
		slog.Info("streaming connection state changed", "status", s.Status.String(), "discontinuity", s.Discontinuity)
	})
	defer unsubscribeState()
	unsubscribeWarning := manager.OnWarning(func(w audio.Warning) {
		slog.Warn("capture warning", "source", w.Source, "reason", w.Reason)
	})
	defer unsubscribeWarning()

	slog.Info("startup: starting session")
	if err := manager.Start(ctx); err != nil {
		slog.Error("session start failed", "error", err)
		return err
	}

	<-ctx.Done()
	slog.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := manager.Stop(stopCtx)
	if stopErr != nil {
		slog.Error("session stop failed", "error", stopErr)
	}

	if outputPath != "" {
		if text, ok := manager.Transcript(); ok {
			if err := os.WriteFile(outputPath, text, 0o644); err != nil {
				slog.Error("failed to write transcript", "path", outputPath, "error", err)
				return err
			}
			slog.Info("transcript written", "path", outputPath)
		}
	}
	return stopErr
}
