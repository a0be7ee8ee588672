package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sells-group/siteqa/internal/conformance"
	"github.com/sells-group/siteqa/internal/model"
)

var (
	recordResult           string
	recordNumeric          float64
	recordText             string
	recordComments         string
	recordCorrectiveAction string
	recordInspector        string
	recordApprove          string
)

var recordCmd = &cobra.Command{
	Use:   "record <lotID> <itemID>",
	Short: "Record a conformance result for a checklist item",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		f := recordFields(cmd)
		rec, err := env.Service.SaveConformance(ctx, args[0], args[1], f)
		if err != nil {
			return err
		}
		if recordApprove != "" {
			if rec, err = env.Service.ApproveConformance(ctx, args[0], args[1], recordApprove); err != nil {
				return err
			}
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

// recordFields builds the partial update from the flags the user set.
func recordFields(cmd *cobra.Command) conformance.Fields {
	var f conformance.Fields
	flags := cmd.Flags()
	if flags.Changed("result") {
		r := model.Result(recordResult)
		f.ResultPassFail = &r
	}
	if flags.Changed("numeric") {
		v := recordNumeric
		f.ResultNumeric = &v
	}
	if flags.Changed("text") {
		v := recordText
		f.ResultText = &v
	}
	if flags.Changed("comments") {
		v := recordComments
		f.Comments = &v
	}
	if flags.Changed("corrective-action") {
		v := recordCorrectiveAction
		f.CorrectiveAction = &v
	}
	if flags.Changed("inspector") {
		v := recordInspector
		f.InspectedBy = &v
	}
	return f
}

func init() {
	recordCmd.Flags().StringVar(&recordResult, "result", "", "PASS, FAIL, N/A or pending")
	recordCmd.Flags().Float64Var(&recordNumeric, "numeric", 0, "numeric reading")
	recordCmd.Flags().StringVar(&recordText, "text", "", "free-text result")
	recordCmd.Flags().StringVar(&recordComments, "comments", "", "inspector comments")
	recordCmd.Flags().StringVar(&recordCorrectiveAction, "corrective-action", "", "corrective action for a failure")
	recordCmd.Flags().StringVar(&recordInspector, "inspector", "", "inspector user id")
	recordCmd.Flags().StringVar(&recordApprove, "approve", "", "approve the record as this user")
	rootCmd.AddCommand(recordCmd)
}
