// Package cmd wires the nvstore inspection CLI.
package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nvstore-db/nvstore/internal/cli"
	"github.com/nvstore-db/nvstore/internal/nvm"
)

var (
	configFlag       string
	fileFlag         string
	mountFlag        string
	mountTableFlag   string
	sizeFlag         uint64
	noMountCheckFlag bool
)

// NewRootCmd builds the nvstore command tree.
func NewRootCmd() *cobra.Command {
	cmd := newRootCmd()
	addInfoCommand(cmd)
	addStatsCommand(cmd)
	addVerifyCommand(cmd)
	addVersionCommand(cmd)

	return cmd
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "nvstore",
		Short:         "Inspect a persistent-memory region store",
		Long:          "nvstore — inspection tool for the region store kept on a memory-mapped persistent-memory file.",
		Version:       fmt.Sprintf("nvstore v%s", cli.Version),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "TOML options file")
	rootCmd.PersistentFlags().StringVar(&fileFlag, "file", "", "backing file path")
	rootCmd.PersistentFlags().StringVar(&mountFlag, "mount", "", "pmfs mount point")
	rootCmd.PersistentFlags().StringVar(&mountTableFlag, "mount-table", "", "mount table to scan")
	rootCmd.PersistentFlags().Uint64Var(&sizeFlag, "size", 0, "backing file size in bytes")
	rootCmd.PersistentFlags().BoolVar(&noMountCheckFlag, "no-mount-check", false, "skip the pmfs mount and writability checks")

	return rootCmd
}

// openStore materializes the manager non-volatile so inspection never
// unlinks the store.
func openStore() (*nvm.Manager, error) {
	opts := nvm.DefaultOptions()
	if configFlag != "" {
		loaded, err := nvm.LoadOptions(configFlag)
		if err != nil {
			return nil, err
		}
		opts = loaded
	}
	if fileFlag != "" {
		opts.FilePath = fileFlag
	}
	if mountFlag != "" {
		opts.MountPoint = mountFlag
	}
	if mountTableFlag != "" {
		opts.MountTable = mountTableFlag
	}
	if sizeFlag != 0 {
		opts.FileSize = sizeFlag
	}
	if noMountCheckFlag {
		opts.DisableMountCheck = true
	}

	// A second command in the same process finds the manager already
	// materialized; the latch error just means the store is open.
	if err := nvm.Configure(opts); err != nil && !errors.Is(err, nvm.ErrConfigLocked) {
		return nil, err
	}
	if err := nvm.SetNonVolatileMode(); err != nil && !errors.Is(err, nvm.ErrConfigLocked) {
		return nil, err
	}

	return nvm.Open()
}
