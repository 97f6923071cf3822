package cmd

import (
	"context"
	"fmt"
	"os"
	"slices"
	"text/tabwriter"

	"csdriver/internal/state"

	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [NAME...]",
	Short: "Show recorded instances",
	Long: `Print the recorded state of each NAME, or of every recorded instance when
no name is given. Passwords are never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, store, err := openStore()
		if err != nil {
			return err
		}
		defer closeStore(store)

		ctx := context.Background()
		records := make(map[string]state.InstanceRecord)
		if len(args) == 0 {
			if records, err = store.List(ctx); err != nil {
				return fmt.Errorf("failed to list instances: %w", err)
			}
		}
		for _, name := range args {
			rec, err := store.Load(ctx, name)
			if err != nil {
				return fmt.Errorf("failed to load %s: %w", name, err)
			}
			records[name] = *rec
		}

		names := make([]string, 0, len(records))
		for name := range records {
			names = append(names, name)
		}
		slices.Sort(names)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSERVER ID\tHOSTNAME\tPUBLIC IP ID\tFIREWALL RULE ID\tFORWARDING RULE ID")
		for _, name := range names {
			rec := records[name]
			if rec.Empty() {
				fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\n", name)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", name,
				dash(rec.ServerID), dash(rec.Hostname), dash(rec.IPAddressID),
				dash(rec.FirewallRuleID), dash(rec.ForwardingRuleID))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
