package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"csdriver/internal/fleet"

	"github.com/spf13/cobra"
)

// createCmd represents the create command
var createCmd = &cobra.Command{
	Use:   "create NAME...",
	Short: "Create instances",
	Long: `Create one CloudStack instance per NAME. An instance that already has a
recorded server id is reported as is; nothing is created for it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, store, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore(store)

		runner, err := newRunner(cfg, store, args)
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		results := runner.CreateAll(ctx, args)
		printCreated(results)
		return fleet.Err(results)
	},
}

func init() {
	rootCmd.AddCommand(createCmd)
}

func printCreated(results []fleet.Result) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSERVER ID\tHOSTNAME\tSTATUS")
	for _, res := range results {
		var serverID, hostname string
		if res.Record != nil {
			serverID, hostname = res.Record.ServerID, res.Record.Hostname
		}
		status := "ready"
		if res.Err != nil {
			status = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", res.Name, serverID, hostname, status)
	}
	w.Flush()
}
