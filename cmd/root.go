package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tphakala/xrayscan/cmd/config"
	"github.com/tphakala/xrayscan/cmd/history"
	"github.com/tphakala/xrayscan/cmd/scan"
	"github.com/tphakala/xrayscan/cmd/serve"
	"github.com/tphakala/xrayscan/cmd/version"
	"github.com/tphakala/xrayscan/internal/buildinfo"
	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/logger"
	"github.com/tphakala/xrayscan/internal/telemetry"
)

// RootCommand creates and returns the root command
func RootCommand(info *buildinfo.Context) *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "xrayscan",
		Short:         "X-ray anomaly scanning service",
		Long:          "Upload X-ray images, run the detection model on them, review the findings and keep a history of saved scans.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default: search standard locations)")
	if err := setupFlags(rootCmd); err != nil {
		panic(err)
	}

	versionCmd := version.Command(info)
	subcommands := []*cobra.Command{
		serve.Command(info),
		scan.Command(info),
		history.Command(info),
		config.Command(),
		versionCmd,
	}
	rootCmd.AddCommand(subcommands...)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// version needs no configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return initialize(configFile, info)
	}

	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		telemetry.Flush()
		_ = logger.Global().Flush()
	}

	return rootCmd
}

// initialize loads configuration and sets up logging and telemetry before
// any subcommand runs.
func initialize(configFile string, info *buildinfo.Context) error {
	conf.SetConfigFile(configFile)
	settings, err := conf.Load()
	if err != nil {
		return err
	}

	settings.Version = info.GetVersion()
	settings.BuildDate = info.GetBuildDate()

	if settings.Debug {
		settings.Logging.DefaultLevel = "debug"
		if settings.Logging.Console != nil {
			settings.Logging.Console.Level = "debug"
		}
	}

	central, err := logger.NewCentralLogger(&settings.Logging)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}
	logger.SetGlobal(central)

	if _, err := telemetry.InitSentry(settings); err != nil {
		logger.Global().Module("main").Warn("error telemetry disabled", logger.Error(err))
	}

	return nil
}

// setupFlags defines flags that are global to the command line interface
func setupFlags(rootCmd *cobra.Command) error {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Enable debug output")

	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		return fmt.Errorf("error binding flags: %w", err)
	}
	return nil
}
