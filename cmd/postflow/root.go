package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/postflow/config"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
}

func (o *RootOptions) load(publisher bool) (*config.Config, error) {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return nil, err
	}
	if cfg.Service.Version == "dev" {
		cfg.Service.Version = version
	}
	if err := cfg.Validate(publisher); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewRootCommand creates the postflow command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "postflow",
		Short:         "Compose and publish social posts for stored images",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to a YAML config file")

	cmd.AddCommand(newComposeCommand(opts))
	cmd.AddCommand(newPublishCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newPreflightCommand(opts))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "postflow", version)
		},
	}
}
