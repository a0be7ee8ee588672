package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var assignCmd = &cobra.Command{
	Use:   "assign <lotID> <templateID>...",
	Short: "Assign ITP templates to a lot",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Service.AssignTemplates(ctx, args[0], args[1:])
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, a := range res.Assigned {
			_, _ = fmt.Fprintf(out, "assigned %s (%s)\n", a.TemplateID, a.ID)
		}
		for _, f := range res.Failures {
			_, _ = fmt.Fprintf(out, "failed %s: %s\n", f.TemplateID, f.Error)
		}
		if !res.OK() {
			return eris.Errorf("%d of %d templates could not be assigned", len(res.Failures), len(res.Failures)+len(res.Assigned))
		}
		return nil
	},
}

var unassignCmd = &cobra.Command{
	Use:   "unassign <lotID> <assignmentOrTemplateID>",
	Short: "Remove an assignment and its conformance records",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Service.RemoveAssignment(ctx, args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(assignCmd, unassignCmd)
}
