package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/coopco/stampbot/internal/config"
	"github.com/coopco/stampbot/internal/watermark"
)

var version = "dev"

var (
	configFile string
	logLevel   string
	logJSON    bool
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "stampbot",
		Short:        "Stamps attribution onto your Telegram posts",
		Long:         "stampbot watches the messages an account sends and rewrites them in place: document titles, attribution footers and watermarked photos.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(logLevel, logJSON)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default ~/.stampbot/config.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Emit logs as JSON")

	rootCmd.AddCommand(runCmd(), stampCmd(), versionCmd())
	return rootCmd
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch the account and transform its messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			app, err := NewApp(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}

			slog.Info("stampbot: starting", "version", version)
			if err := app.Run(ctx); err != nil {
				slog.Error("stampbot: stopped with error", "err", err)
				return err
			}
			slog.Info("stampbot: shutdown complete")
			return nil
		},
	}
}

func stampCmd() *cobra.Command {
	var in, out, label, font string
	var quality int

	cmd := &cobra.Command{
		Use:   "stamp",
		Short: "Watermark a local image, for previewing the output",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", in, err)
			}
			r := watermark.NewRenderer(watermark.Config{FontPath: font, JPEGQuality: quality})
			dst, err := r.Render(src, label)
			if err != nil {
				return fmt.Errorf("failed to render %s: %w", in, err)
			}
			if err := os.WriteFile(out, dst, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", out, len(dst))
			return nil
		},
	}

	cmd.Flags().StringVar(&in, "in", "", "Input image (JPEG, PNG, GIF or WebP)")
	cmd.Flags().StringVar(&out, "out", "", "Output JPEG path")
	cmd.Flags().StringVar(&label, "label", "@unknown", "Watermark text")
	cmd.Flags().StringVar(&font, "font", "", "TrueType/OpenType font file (default built-in)")
	cmd.Flags().IntVar(&quality, "quality", 75, "JPEG quality 1-100")
	_ = cmd.MarkFlagRequired("in")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "stampbot", version)
		},
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		path = os.Getenv("STAMPBOT_CONFIG")
	}
	if path == "" {
		return config.Load()
	}
	return config.LoadFromFile(path)
}

func setupLogging(level string, asJSON bool) error {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info", "":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return fmt.Errorf("unknown log level %q", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if asJSON {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func isShutdown(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
