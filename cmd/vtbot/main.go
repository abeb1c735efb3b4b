// cmd/vtbot/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/vtbot/internal/artifact"
	"github.com/signalnine/vtbot/internal/audit"
	"github.com/signalnine/vtbot/internal/bot"
	"github.com/signalnine/vtbot/internal/config"
	"github.com/signalnine/vtbot/internal/metrics"
	"github.com/signalnine/vtbot/internal/protocol"
	"github.com/signalnine/vtbot/internal/session"
	"github.com/signalnine/vtbot/internal/telegram"
	"github.com/signalnine/vtbot/internal/virustotal"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "vtbot",
	Short: "Telegram bot that scans URLs and files with VirusTotal",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

var (
	historyUser  int64
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show served requests from the audit journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		return history()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	historyCmd.Flags().Int64Var(&historyUser, "user", 0, "Telegram user id")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of requests to show")
	historyCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return err
	}

	logger, closeLog, err := config.SetupLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	sinks := []session.Sink{metrics.Recorder{}}
	if cfg.AuditDB != "" {
		db, err := audit.NewDB(cfg.AuditDB)
		if err != nil {
			return fmt.Errorf("open audit db: %w", err)
		}
		defer db.Close()
		sinks = append(sinks, db)
	}

	tg, err := telegram.New(cfg.BotAPIKey, logger)
	if err != nil {
		return err
	}

	scanner := virustotal.NewClient(virustotal.Options{
		BaseURL:      cfg.VirusTotal.BaseURL,
		APIKey:       cfg.VirusTotal.APIKey,
		PollInterval: cfg.VirusTotal.PollInterval,
		Timeout:      cfg.VirusTotal.Timeout,
	}, logger)

	dispatcher := bot.NewDispatcher(
		bot.Config{
			FilesMaxSize:     cfg.FilesMaxSize,
			ReturnCleanFiles: cfg.ReturnCleanFiles,
			RemoveArtifacts:  cfg.RemoveArtifacts,
		},
		session.NewTracker(logger, sinks...),
		artifact.NewStore(cfg.ArtifactsPath()),
		tg, tg, scanner,
		logger,
	)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("bot_starting",
		slog.String("version", version),
		slog.String("bot", tg.Username()),
		slog.Int("files_max_size_mb", cfg.FilesMaxSize),
		slog.String("working_directory", cfg.WorkingDirectory),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tg.Run(ctx, dispatcher)
	})
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return metrics.Serve(ctx, cfg.MetricsAddr, logger)
		})
	}
	return g.Wait()
}

func history() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.AuditDB == "" {
		return fmt.Errorf("no audit database configured")
	}

	db, err := audit.NewDB(cfg.AuditDB)
	if err != nil {
		return err
	}
	defer db.Close()

	counts, err := db.ResultCounts()
	if err != nil {
		return err
	}
	printCounts(os.Stdout, counts)
	fmt.Println()

	entries, err := db.QueryByUser(historyUser, historyLimit)
	if err != nil {
		return err
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-6s %-14s %6dms", humanize.Time(e.StartTime), e.Action, e.Result, e.ElapsedMs)
		if e.FileName != "" {
			line += fmt.Sprintf("  %s (%.2f MB) %s", e.FileName, e.FileSize, e.FileHash)
		}
		fmt.Println(line)
	}
	return nil
}

// printCounts writes one line per result, sorted by result name
func printCounts(w io.Writer, counts map[protocol.Result]int) {
	for _, result := range slices.Sorted(maps.Keys(counts)) {
		fmt.Fprintf(w, "%-16s %s\n", result, humanize.Comma(int64(counts[result])))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
