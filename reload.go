package main

import (
	"github.com/spf13/cobra"
)

func newReloadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Ask a running daemon to reload its configuration",
		Long: `Send SIGHUP to the serve daemon so it re-reads the config file.

The daemon also watches the config file for edits; reload covers setups
where the watcher cannot observe the change (bind mounts, some network
filesystems).`,
		Args: cobra.NoArgs,
		RunE: runReload,
	}
}

func runReload(_ *cobra.Command, _ []string) error {
	if err := sendSIGHUP(pidFilePath(loadedDataDir)); err != nil {
		return err
	}

	statusf("Reload signal sent.\n")

	return nil
}
