// Package serve implements the command that runs the HTTP scan service.
package serve

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/xrayscan/internal/api"
	"github.com/tphakala/xrayscan/internal/app"
	"github.com/tphakala/xrayscan/internal/buildinfo"
	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/logger"
)

// Command creates the serve command.
func Command(info *buildinfo.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scan HTTP service",
		Long:  "Serve the upload, detect, save and history endpoints together with the stored images, health and metrics.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return Run(cmd.Context(), conf.GetSettings(), info)
		},
	}

	if err := setupFlags(cmd); err != nil {
		fmt.Fprintf(os.Stderr, "error setting up flags: %v\n", err)
		os.Exit(1)
	}

	return cmd
}

// setupFlags configures flags specific to the serve command.
func setupFlags(cmd *cobra.Command) error {
	cmd.Flags().Int("port", 3000, "TCP port to listen on")
	cmd.Flags().String("publicurl", "", "Base URL used in image references")
	cmd.Flags().String("detector", "", "Detector backend (process or remote)")
	cmd.Flags().String("history", "", "History backend (json, sqlite or mysql)")

	for key, name := range map[string]string{
		"webserver.port":      "port",
		"webserver.publicurl": "publicurl",
		"detector.backend":    "detector",
		"history.backend":     "history",
	} {
		if err := viper.BindPFlag(key, cmd.Flags().Lookup(name)); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}

// Run serves until ctx is cancelled or SIGINT/SIGTERM arrives, then shuts
// the server down gracefully.
func Run(ctx context.Context, settings *conf.Settings, info *buildinfo.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logger.Global().Module("main")

	a, err := app.New(ctx, settings, app.WithMetrics(), app.WithMQTT(), app.WithBuildInfo(info))
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Warn("error releasing resources", logger.Error(err))
		}
	}()

	cfg := api.ConfigFromSettings(settings)
	server, err := api.New(cfg, a.Service, a.Images, api.WithMetrics(a.Metrics))
	if err != nil {
		return err
	}
	log.Info("configuration", logger.String("server", cfg.String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		return server.Shutdown(context.WithoutCancel(gctx))
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("xrayscan stopped")
	return nil
}
