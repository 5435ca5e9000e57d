package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nvstore-db/nvstore/internal/cli"
	"github.com/nvstore-db/nvstore/internal/pmem"
)

func addInfoCommand(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Print the static header and the live region table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openStore()
			if err != nil {
				return err
			}
			static := m.StaticHeader()
			regions := m.Regions()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Format: %s (%d)\n", formatName(m.Format()), m.Format())
			fmt.Fprintf(out, "Initialized: %v\n", static.Initialized)
			fmt.Fprintf(out, "Root offset: %d\n", static.RootOffset)
			fmt.Fprintf(out, "Live regions: %d\n", len(regions))
			w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
			fmt.Fprintln(w, "UUID\tSIZE\tCAPACITY\tALLOCATED")
			for _, r := range regions {
				fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", r.UUID, r.Size, r.Capacity, r.Allocated)
			}

			return w.Flush()
		},
	})
}

func formatName(tag uint64) string {
	switch tag {
	case pmem.FormatRelease:
		return "release"
	case pmem.FormatDebug:
		return "debug"
	default:
		return "unknown"
	}
}

func addStatsCommand(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print manager counters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openStore()
			if err != nil {
				return err
			}
			s := m.Stats()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "live_regions: %d\n", s.LiveRegions)
			fmt.Fprintf(out, "live_bytes: %d\n", s.LiveBytes)
			fmt.Fprintf(out, "alloc_count: %d\n", s.AllocCount)
			fmt.Fprintf(out, "free_count: %d\n", s.FreeCount)
			fmt.Fprintf(out, "resize_count: %d\n", s.ResizeCount)
			fmt.Fprintf(out, "persist_count: %d\n", s.PersistCount)
			fmt.Fprintf(out, "persist_bytes: %d\n", s.PersistBytes)

			return nil
		},
	})
}

func addVersionCommand(root *cobra.Command) {
	var jsonOut bool
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			cli.PrintVersion("nvstore", jsonOut)
		},
	}
	versionCmd.Flags().BoolVar(&jsonOut, "json", false, "print as JSON")
	root.AddCommand(versionCmd)
}

func addVerifyCommand(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Walk the live list and check region canaries (debug builds)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openStore()
			if err != nil {
				return err
			}
			m.VerifyCanaries()
			fmt.Fprintf(cmd.OutOrStdout(), "checked %d regions\n", len(m.Regions()))
			if !debugBuild {
				fmt.Fprintln(cmd.OutOrStdout(), "note: canaries are only present in builds with -tags debug")
			}

			return nil
		},
	})
}
