package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	serverAddr    string
	logLevel      string
	transportKind string
	authToken     string
	historyDB     string
	otelEnabled   bool
	otelEndpoint  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chorus",
	Short: "Concurrent streaming speech recognition client",
	Long:  "A concurrent client for streaming speech recognition services, with a scripted mock service for local runs.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
		// CHORUS_URI supplies the server address when --server is left unset.
		if !cmd.Root().PersistentFlags().Changed("server") {
			if uri := strings.TrimSpace(os.Getenv("CHORUS_URI")); uri != "" {
				serverAddr = uri
			}
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&serverAddr, "server", "localhost:50051", "Speech service address, host:port or URL (env: CHORUS_URI)")
	pf.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	pf.StringVar(&transportKind, "transport", "connect", "Streaming transport: connect or ws")
	pf.StringVar(&authToken, "auth-token", "", "Bearer token attached to every call")
	pf.StringVar(&historyDB, "history-db", "", "SQLite file recording run history (empty disables)")
	pf.BoolVar(&otelEnabled, "otel", false, "Enable OpenTelemetry tracing")
	pf.StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses a stderr exporter")
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}
