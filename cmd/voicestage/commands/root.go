package commands

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dtpsim/voicestage/internal/casedata"
	"github.com/dtpsim/voicestage/internal/config"
)

var (
	logLevel  string
	casesFile string
)

var rootCmd = &cobra.Command{
	Use:   "voicestage",
	Short: "Spoken exam session engine",
	Long: `voicestage listens to the microphone, segments speech, sends each turn
to the inference service and speaks short replies back, within a fixed-length
timed session that ends with one final submission.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging(logLevel)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&casesFile, "cases", "", "YAML or JSON case catalog (default: CASES_FILE or built-in cases)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(casesCmd)
}

func setupLogging(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
}

// loadConfig reads and validates the environment, applying the --cases flag.
func loadConfig() (*config.Config, error) {
	cfg := config.Load()
	if casesFile != "" {
		cfg.CasesFile = casesFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadCatalog(path string) (*casedata.Catalog, error) {
	if path == "" {
		return casedata.Builtin(), nil
	}
	return casedata.LoadFile(path)
}
