package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/siteqa/internal/model"
	"github.com/sells-group/siteqa/internal/templateio"
)

var templateOrg string

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage ITP templates",
}

var templateImportCmd = &cobra.Command{
	Use:   "import <file.yaml|file.xlsx>",
	Short: "Import ITP templates from a YAML file or XLSX workbook",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		templates, err := templateio.Load(args[0], templateOrg)
		if err != nil {
			return eris.Wrap(err, "load templates")
		}

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		imported, err := env.Service.ImportTemplates(ctx, templates)
		if err != nil {
			return err
		}

		zap.L().Info("template import complete",
			zap.Int("templates", len(imported)),
			zap.String("file", args[0]),
		)
		formatTemplateList(cmd.OutOrStdout(), imported)
		return nil
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ITP templates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		templates, err := env.Service.ListTemplates(ctx, templateOrg)
		if err != nil {
			return err
		}
		formatTemplateList(cmd.OutOrStdout(), templates)
		return nil
	},
}

func formatTemplateList(out io.Writer, templates []model.Template) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tVERSION\tORG\tITEMS")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t---\t-----")
	for _, t := range templates {
		items := "-"
		if len(t.Items) > 0 {
			items = fmt.Sprint(len(t.Items))
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Version, t.OrganizationID, items)
	}
	_ = w.Flush()
}

func init() {
	templateCmd.PersistentFlags().StringVar(&templateOrg, "org", "", "organization id")
	templateCmd.AddCommand(templateImportCmd, templateListCmd)
	rootCmd.AddCommand(templateCmd)
}
