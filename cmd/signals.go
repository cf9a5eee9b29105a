package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/vehicle-consensus/internal/model"
)

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "Resolve value signals",
}

var signalsResolveCmd = &cobra.Command{
	Use:   "resolve <entity-id>...",
	Short: "Pick the primary value signal and anchor for each entity",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		e, err := initEnv(ctx, cfg)
		if err != nil {
			return err
		}
		defer e.Close()

		out, err := e.Signals.Resolve(ctx, args)
		if err != nil {
			return eris.Wrap(err, "signals resolve")
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(os.Stdout, out)
		}
		formatResolutions(os.Stdout, out)
		return nil
	},
}

func init() {
	signalsResolveCmd.Flags().Bool("json", false, "print resolutions as JSON")
	signalsCmd.AddCommand(signalsResolveCmd)
	rootCmd.AddCommand(signalsCmd)
}

// formatResolutions writes one row per entity.
func formatResolutions(out io.Writer, res []model.SignalResolution) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ENTITY\tPRIMARY\tVALUE\tANCHOR\tDELTA%\tCONFIDENCE\tMISSING")
	_, _ = fmt.Fprintln(w, "------\t-------\t-----\t------\t------\t----------\t-------")
	for _, r := range res {
		primary, value := "-", "-"
		if r.Primary != nil {
			primary = string(r.Primary.Label)
			value = fmt.Sprintf("%.0f", r.Primary.Value)
		}
		anchor, delta := "-", "-"
		if r.Anchor != nil {
			anchor = string(r.Anchor.Label)
		}
		if r.DeltaPct != nil {
			delta = fmt.Sprintf("%+.1f", *r.DeltaPct)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%.0f\t%d\n",
			truncateID(r.EntityID),
			primary,
			value,
			anchor,
			delta,
			r.Confidence,
			len(r.MissingFields),
		)
	}
	_ = w.Flush()
}
