// Package config implements commands for inspecting and writing the
// configuration file.
package config

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/xrayscan/internal/conf"
	"github.com/tphakala/xrayscan/internal/errors"
)

const redacted = "[REDACTED]"

// Command creates the config command and its subcommands.
func Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or write the configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return Show(conf.GetSettings(), cmd.OutOrStdout())
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "save [path]",
		Short: "Write the effective configuration to a file",
		Long:  "Write the effective configuration, including values from flags and environment, to path or to the config file in use.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := conf.ConfigFileUsed()
			if len(args) == 1 {
				path = args[0]
			}
			if err := Save(conf.GetSettings(), path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", path)
			return nil
		},
	})

	return cmd
}

// Show writes settings as YAML with credentials replaced.
func Show(settings *conf.Settings, out io.Writer) error {
	if settings == nil {
		return errors.Newf("configuration not loaded").
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}

	data, err := yaml.Marshal(Redact(settings))
	if err != nil {
		return errors.New(err).
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}
	_, err = out.Write(data)
	return err
}

// Save writes settings to path.
func Save(settings *conf.Settings, path string) error {
	if settings == nil {
		return errors.Newf("configuration not loaded").
			Component("cli").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if path == "" {
		return errors.ValidationError("no config file in use, pass a path")
	}
	if err := conf.SaveYAMLConfig(path, settings); err != nil {
		return errors.New(err).
			Component("cli").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	return nil
}

// Redact returns a copy of settings with passwords and DSNs masked. Empty
// values stay empty so unset credentials remain visible as such.
func Redact(settings *conf.Settings) *conf.Settings {
	c := *settings
	mask := func(s *string) {
		if *s != "" {
			*s = redacted
		}
	}
	mask(&c.History.MySQL.Password)
	mask(&c.MQTT.Password)
	mask(&c.Sentry.DSN)
	return &c
}
