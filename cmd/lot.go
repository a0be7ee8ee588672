package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/siteqa/internal/inspection"
	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/store"
)

var (
	lotProject     string
	lotNumber      string
	lotDescription string
	lotCreatedBy   string
	lotStatus      string
	lotLimit       int
)

var lotCmd = &cobra.Command{
	Use:   "lot",
	Short: "Manage lots",
}

var lotCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a lot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		lot, err := env.Service.CreateLot(ctx, inspection.NewLot{
			ProjectID:   lotProject,
			LotNumber:   lotNumber,
			Description: lotDescription,
			CreatedBy:   lotCreatedBy,
		})
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(cmd.OutOrStdout(), lot.ID)
		return nil
	},
}

var lotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List lots",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		lots, err := env.Service.ListLots(ctx, store.LotFilter{
			ProjectID: lotProject,
			Status:    model.LotStatus(lotStatus),
			Limit:     lotLimit,
		})
		if err != nil {
			return err
		}
		formatLotList(cmd.OutOrStdout(), lots)
		return nil
	},
}

var lotDeleteCmd = &cobra.Command{
	Use:   "delete <lotID>",
	Short: "Delete a lot with its assignments and records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		return env.Service.DeleteLot(ctx, args[0])
	},
}

func formatLotList(out io.Writer, lots []model.Lot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tPROJECT\tLOT\tSTATUS\tCREATED")
	_, _ = fmt.Fprintln(w, "--\t-------\t---\t------\t-------")
	for _, l := range lots {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			l.ID, l.ProjectID, l.LotNumber, l.Status,
			l.CreatedAt.Format("2006-01-02 15:04"),
		)
	}
	_ = w.Flush()
}

func init() {
	lotCreateCmd.Flags().StringVar(&lotProject, "project", "", "project id (required)")
	lotCreateCmd.Flags().StringVar(&lotNumber, "number", "", "lot number (required)")
	lotCreateCmd.Flags().StringVar(&lotDescription, "description", "", "lot description")
	lotCreateCmd.Flags().StringVar(&lotCreatedBy, "created-by", "", "creator user id")
	_ = lotCreateCmd.MarkFlagRequired("project")
	_ = lotCreateCmd.MarkFlagRequired("number")

	lotListCmd.Flags().StringVar(&lotProject, "project", "", "filter by project id")
	lotListCmd.Flags().StringVar(&lotStatus, "status", "", "filter by status")
	lotListCmd.Flags().IntVar(&lotLimit, "limit", 100, "max lots to list")

	lotCmd.AddCommand(lotCreateCmd, lotListCmd, lotDeleteCmd)
	rootCmd.AddCommand(lotCmd)
}
