package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/vehicle-consensus/internal/consensus"
)

var consensusCmd = &cobra.Command{
	Use:   "consensus",
	Short: "Inspect and recompute field consensus",
}

// -- consensus show --

var consensusShowCmd = &cobra.Command{
	Use:   "show <entity-id> <field>",
	Short: "Show the consensus result and evidence trail for a field",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		v, err := e.Resolver.Get(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "consensus show")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, v)
		}
		formatView(os.Stdout, v)
		return nil
	},
}

// -- consensus recompute --

var consensusRecomputeCmd = &cobra.Command{
	Use:   "recompute <entity-id> <field>...",
	Short: "Recompute consensus for one or more fields of an entity",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		noAssign, _ := cmd.Flags().GetBool("no-assign")

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		for _, field := range args[1:] {
			res, err := e.Resolver.Recompute(ctx, args[0], field, consensus.Options{AutoAssign: !noAssign})
			if err != nil {
				return eris.Wrapf(err, "consensus recompute %s", field)
			}
			v := &consensus.View{Result: res, Cached: true}
			formatView(os.Stdout, v)
		}
		return nil
	},
}

func init() {
	consensusShowCmd.Flags().Bool("json", false, "print the full view as JSON")
	consensusRecomputeCmd.Flags().Bool("no-assign", false, "cache the result without writing the canonical field")

	consensusCmd.AddCommand(consensusShowCmd)
	consensusCmd.AddCommand(consensusRecomputeCmd)
	rootCmd.AddCommand(consensusCmd)
}
