package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Download the dataset and load both stores",
	Long:  "Fetches the GeoNames dump when it is not cached, then loads the relational and text stores. Stores that already hold data are left untouched.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "load")
		if err != nil {
			return err
		}
		defer env.Close()

		start := time.Now()
		if err := env.bootstrap(ctx); err != nil {
			return err
		}
		snap, err := env.Service.Snapshot()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run:       %s\n", snap.RunID)
		fmt.Fprintf(out, "records:   %d\n", snap.Dataset.Len())
		fmt.Fprintf(out, "places:    %d\n", snap.Places)
		fmt.Fprintf(out, "documents: %d\n", snap.Documents)
		fmt.Fprintf(out, "elapsed:   %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loadCmd)
}
