package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cargomsfs/internal/config"
	"cargomsfs/internal/logx"
	"cargomsfs/internal/paths"
	"cargomsfs/internal/release"
	"cargomsfs/internal/sdk"
	"cargomsfs/internal/tracing"
)

// commandEnv holds everything a command needs, built from flags and config.
type commandEnv struct {
	layout   paths.Layout
	cfg      config.Config
	logger   *zap.Logger
	fetcher  *release.HTTPFetcher
	releases *release.Resolver
	store    *sdk.Store

	closeLog      io.Closer
	shutdownTrace func(context.Context) error
}

// loadSettings resolves the data directory and loads the config file. The
// data_dir config key applies only when neither the flag nor the environment
// variable names a directory.
func loadSettings() (paths.Layout, config.Config, string, error) {
	layout, err := paths.Resolve(dataDir)
	if err != nil {
		return paths.Layout{}, config.Config{}, "", err
	}

	cfgFile := configPath
	if cfgFile == "" {
		cfgFile = layout.ConfigFile
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return paths.Layout{}, config.Config{}, "", err
	}
	if dataDir == "" && strings.TrimSpace(os.Getenv(paths.EnvDataDir)) == "" && cfg.DataDir != "" {
		layout = layout.WithRoot(cfg.DataDir)
	}
	return layout, cfg, cfgFile, nil
}

func openEnv(cmd *cobra.Command, command string) (*commandEnv, error) {
	layout, cfg, cfgFile, err := loadSettings()
	if err != nil {
		return nil, err
	}
	if err := cfg.Err(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}

	logger, closer, err := logx.New(layout, command, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	traceCfg := cfg.Trace
	if traceSpans {
		traceCfg.Enabled = true
	}
	shutdown, err := tracing.Setup(cmd.Context(), traceCfg, cmd.ErrOrStderr())
	if err != nil {
		closer.Close()
		return nil, err
	}

	fetcher := release.NewHTTPFetcher(cfg.Download.Retries, cfg.Download.Timeout, logger)
	releases := release.NewResolver(fetcher, layout.ReleaseCacheFile, cfg.Sources, logger)
	store := sdk.New(layout, releases, fetcher, logger)
	store.LockWait = cfg.LockWait

	logger.Debug("command environment ready",
		zap.String("data_dir", layout.Root),
		zap.String("config", cfgFile),
	)

	return &commandEnv{
		layout:        layout,
		cfg:           cfg,
		logger:        logger,
		fetcher:       fetcher,
		releases:      releases,
		store:         store,
		closeLog:      closer,
		shutdownTrace: shutdown,
	}, nil
}

func (e *commandEnv) Close() {
	if e.shutdownTrace != nil {
		_ = e.shutdownTrace(context.Background())
	}
	if e.logger != nil {
		_ = e.logger.Sync()
	}
	if e.closeLog != nil {
		_ = e.closeLog.Close()
	}
}
