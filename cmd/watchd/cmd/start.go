package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/watchd-dev/watchd/internal/app"
	"github.com/watchd-dev/watchd/internal/config"
)

var (
	startHost              string
	startPort              int
	startWatchPath         string
	startMinRequestTimeout int
)

// shutdownTimeout bounds graceful shutdown on SIGINT/SIGTERM.
const shutdownTimeout = 10 * time.Second

// startCmd represents the start command.
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the watchd server",
	Long: `Start the watchd server and accept watch connections.

Watches without an explicit timeoutSeconds are kept open for a
randomized duration between min-request-timeout and twice that value,
so reconnections spread out instead of arriving in a thundering herd.

Example:
  watchd start
  watchd start --port 8710
  watchd start --watch-path /path/to/dir       # publish file events
  watchd start --min-request-timeout 3600`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startHost, "host", "", "bind address (default: 127.0.0.1)")
	startCmd.Flags().IntVar(&startPort, "port", 0, "server port (default: 8710)")
	startCmd.Flags().StringVar(&startWatchPath, "watch-path", "", "directory to watch for file events (enables the file watcher)")
	startCmd.Flags().IntVar(&startMinRequestTimeout, "min-request-timeout", 0, "minimum seconds a watch is kept open (default: 1800)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with flags
	if startHost != "" {
		cfg.Server.Host = startHost
	}
	if startPort != 0 {
		cfg.Server.Port = startPort
	}
	if startMinRequestTimeout != 0 {
		cfg.Server.MinRequestTimeoutSecs = startMinRequestTimeout
	}
	if startWatchPath != "" {
		cfg.Watcher.Enabled = true
		cfg.Watcher.Path = startWatchPath
	}
	if err := config.Validate(cfg); err != nil {
		return err
	}

	setupLogging(cfg)

	a, err := app.New(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	return a.Stop(shutdownCtx)
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Logging.Format == "console" || verbose {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}
