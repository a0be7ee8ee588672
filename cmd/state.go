package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/siteqa/internal/inspection"
)

var stateSummary bool

var stateCmd = &cobra.Command{
	Use:   "state <lotID>",
	Short: "Print the inspection state of a lot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if stateSummary {
			sum, err := env.Service.Summary(ctx, args[0])
			if err != nil {
				return err
			}
			formatSummary(cmd.OutOrStdout(), sum)
			return nil
		}

		state, err := env.Service.GetLotInspectionState(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	},
}

func formatSummary(out io.Writer, sum *inspection.LotSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TEMPLATE\tVERSION\tTOTAL\tPASS\tFAIL\tN/A\tPENDING\tPROGRESS")
	_, _ = fmt.Fprintln(w, "--------\t-------\t-----\t----\t----\t---\t-------\t--------")
	for _, t := range sum.Templates {
		s := t.Stats
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d%%\n",
			t.Name, t.Version, s.Total, s.Passed, s.Failed, s.NA, s.Pending, s.Percent)
	}
	o := sum.Overall
	_, _ = fmt.Fprintf(w, "OVERALL\t\t%d\t%d\t%d\t%d\t%d\t%d%%\n",
		o.Total, o.Passed, o.Failed, o.NA, o.Pending, o.Percent)
	_ = w.Flush()
}

func init() {
	stateCmd.Flags().BoolVar(&stateSummary, "summary", false, "print per-template progress instead of JSON")
	rootCmd.AddCommand(stateCmd)
}
