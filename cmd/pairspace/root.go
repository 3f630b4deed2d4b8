package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/codefionn/pairspace/internal/config"
	"github.com/codefionn/pairspace/internal/logger"
)

// app carries what every subcommand needs after the root pre-run.
type app struct {
	configPath string
	logLevel   string
	cfg        *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "pairspace",
		Short:         "Collaborative coding workspace with a shared AI assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return logger.Global().Close()
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", config.GetConfigPath(), "path to the config file")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "debug, info, warn, error or none")

	root.AddCommand(
		newJoinCmd(a),
		newServeCmd(a),
		newRegisterCmd(a),
		newProjectsCmd(a),
		newLogoutCmd(a),
		newSandboxExecCmd(),
	)
	return root
}

// load reads the config, applies environment overrides and initialises the
// global logger. Without a log file, output goes to stderr when
// logToStderr is set and is discarded otherwise.
func (a *app) load(logToStderr bool) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	a.cfg = cfg

	var fallback io.Writer
	if logToStderr {
		fallback = os.Stderr
	}
	logPath := cfg.LogPath
	if logToStderr {
		logPath = ""
	}
	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), logPath, fallback); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
