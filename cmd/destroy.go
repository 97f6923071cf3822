package cmd

import (
	"fmt"

	"csdriver/internal/fleet"

	"github.com/spf13/cobra"
)

// destroyCmd represents the destroy command
var destroyCmd = &cobra.Command{
	Use:   "destroy NAME...",
	Short: "Destroy instances and release their network resources",
	Long: `Destroy every recorded resource of each NAME: port forwarding rule, firewall
rule, public IP and the instance itself. Resources that are already gone count
as released. Run it again after a partial failure to finish the teardown.`,
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

		results := runner.DestroyAll(ctx, args)
		for _, res := range results {
			status := "destroyed"
			if res.Err != nil {
				status = "failed"
			}
			fmt.Printf("%s\t%s\n", res.Name, status)
		}
		return fleet.Err(results)
	},
}

func init() {
	rootCmd.AddCommand(destroyCmd)
}
