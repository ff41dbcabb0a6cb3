package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/daviddao/deskbeads/internal/actions"
	"github.com/daviddao/deskbeads/internal/api"
	"github.com/daviddao/deskbeads/internal/cache"
	"github.com/daviddao/deskbeads/internal/config"
	"github.com/daviddao/deskbeads/internal/db"
	"github.com/daviddao/deskbeads/internal/desk"
	"github.com/daviddao/deskbeads/internal/display"
	"github.com/daviddao/deskbeads/internal/logging"
	"github.com/daviddao/deskbeads/internal/metrics"
	"github.com/spf13/cobra"
)

// Version is set via ldflags at build time.
var Version = "dev"

var (
	configPath string
	baseURL    string
	apiKeyFlag string
	jsonOutput bool
	quietFlag  bool
	noSnapshot bool

	cfg     *config.Config
	logger  *slog.Logger
	localDB *db.DB
	ctrl    *desk.Controller
)

var rootCmd = &cobra.Command{
	Use:           "dk",
	Short:         "dk - Operator console for the support desk",
	Long:          "Deskbeads: list, inspect and act on AI-drafted support tickets, kept in sync with the backend.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		switch cmd.Name() {
		case "help", "version", "completion":
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if baseURL != "" {
			cfg.Backend.BaseURL = baseURL
		}
		if apiKeyFlag != "" {
			cfg.Backend.APIKey = apiKeyFlag
		}
		logger = logging.New(cfg.Logging.Level, cfg.Logging.JSON)

		client := api.NewClient(api.Options{
			BaseURL: cfg.Backend.BaseURL,
			APIKey:  api.ResolveAPIKey(cfg.Backend.APIKey),
			Timeout: cfg.Backend.Timeout,
			Logger:  logger.With(slog.String("component", "api")),
		})

		// The local database is optional: without it there are no
		// snapshots, saved views or journal, but the backend still works.
		path := cfg.Snapshot.Path
		if path == "" {
			path = db.DefaultPath()
		}
		localDB, err = db.Open(path)
		if err != nil {
			logger.Warn("local database unavailable", slog.String("path", path), slog.Any("error", err))
			localDB = nil
		}

		var persister cache.Persister
		if localDB != nil && cfg.Snapshot.Enabled && !noSnapshot {
			persister = localDB
			if cfg.Snapshot.MaxAge > 0 {
				n, err := localDB.PruneSnapshots(cmd.Context(), time.Now().Add(-cfg.Snapshot.MaxAge))
				if err != nil {
					logger.Warn("prune snapshots", slog.Any("error", err))
				} else if n > 0 {
					logger.Debug("pruned snapshots", slog.Int64("removed", n))
				}
			}
		}

		ctrl = desk.New(desk.Options{
			Backend:   client,
			Logger:    logger,
			Persister: persister,
			Timing:    cfg.Timing(),
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		shutdown()
	},
}

// shutdown releases the controller and the local database. Cobra skips
// post-run hooks when a command fails, so main calls it as well.
func shutdown() {
	// Controller first: it may still be writing snapshots.
	if ctrl != nil {
		ctrl.Close()
		ctrl = nil
	}
	if localDB != nil {
		localDB.Close()
		localDB = nil
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dk version %s\n", Version)
	},
}

// writeJSON prints v as indented JSON.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid ticket id %q", s)
	}
	return id, nil
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, a := range args {
		id, err := parseID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// outcomeOf classifies an action result for the journal.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, actions.ErrNotAllowed), errors.Is(err, actions.ErrPending):
		return metrics.OutcomeSkipped
	default:
		return metrics.OutcomeError
	}
}

// record appends an action to the local journal when one is open.
func record(ctx context.Context, id int64, action string, err error) {
	if localDB == nil {
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	if jerr := localDB.RecordAction(ctx, id, action, outcomeOf(err), detail); jerr != nil {
		logger.Warn("journal write failed", slog.Any("error", jerr))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: $DESK_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "Backend base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&apiKeyFlag, "api-key", "", "API key for actions (default: config, then $SUPPORT_API_KEY)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "Q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().BoolVar(&noSnapshot, "no-snapshot", false, "Do not read or write local snapshots")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	shutdown()
	stop()
	if err != nil {
		display.ErrorMsg("%v", err)
		os.Exit(1)
	}
}
