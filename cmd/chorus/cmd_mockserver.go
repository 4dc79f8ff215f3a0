package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chorushq/chorus/internal/rpcconnect"
	"github.com/chorushq/chorus/internal/server"
)

var (
	mockBind       string
	mockFinalEvery int
	mockFailNth    int
	mockDelay      time.Duration
	mockMaxStreams int
)

var mockserverCmd = &cobra.Command{
	Use:   "mockserver",
	Short: "Run a scripted recognition service",
	Long: `Run an in-process recognition service that transcribes any audio into a
deterministic word script. Useful for local runs and failure drills: --fail-nth
aborts every Nth stream mid-flight and --delay adds response latency.`,
	SilenceUsage: true,
	RunE:         runMockserver,
}

func init() {
	f := mockserverCmd.Flags()
	f.StringVar(&mockBind, "bind", ":50051", "HTTP server bind address")
	f.IntVar(&mockFinalEvery, "final-every", 0, "Emit a final result every N audio chunks (0 = only at half-close)")
	f.IntVar(&mockFailNth, "fail-nth", 0, "Abort every Nth stream after its first audio chunk (0 = never)")
	f.DurationVar(&mockDelay, "delay", 0, "Delay added before every response send")
	f.IntVar(&mockMaxStreams, "max-streams", 256, "Max concurrently open recognition streams")
	rootCmd.AddCommand(mockserverCmd)
}

func runMockserver(cmd *cobra.Command, args []string) error {
	cleanupTracing, err := initTracing("chorus-mockserver")
	if err != nil {
		return err
	}
	defer cleanupTracing()

	slog.Info("starting mock recognition service",
		"bind", mockBind,
		"final_every", mockFinalEvery,
		"fail_nth", mockFailNth,
		"delay", mockDelay,
		"max_streams", mockMaxStreams,
	)

	srv := server.New(mockBind, rpcconnect.WithServiceConfig(rpcconnect.ServiceConfig{
		FinalEvery:     mockFinalEvery,
		FailNth:        mockFailNth,
		Delay:          mockDelay,
		MaxOpenStreams: mockMaxStreams,
	}))
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("mock recognition service ready", "bind", mockBind)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown error; forcing close", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			slog.Error("HTTP force close error", "error", closeErr)
		}
	}

	slog.Info("mock recognition service stopped")
	return nil
}
