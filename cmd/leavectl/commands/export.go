package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"careleave/internal/leave/models"
	pstrings "careleave/pkg/platform/strings"
)

func NewExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the leave register to an XLSX file",
		RunE:  runExport,
	}
	cmd.Flags().StringP("out", "o", "", "Output file (default leave-register-YYYYMMDD.xlsx)")
	cmd.Flags().StringSlice("state", nil, "Only include these states")
	cmd.Flags().String("from", "", "Only include absences overlapping from this date (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "Only include absences overlapping up to this date (YYYY-MM-DD)")
	return cmd
}

func exportFilter(cmd *cobra.Command) (models.ListFilter, error) {
	var f models.ListFilter

	states, _ := cmd.Flags().GetStringSlice("state")
	for _, raw := range pstrings.SplitList(states...) {
		s, err := models.ParseState(raw)
		if err != nil {
			return f, err
		}
		f.States = append(f.States, s)
	}
	for flag, dst := range map[string]*models.Date{"from": &f.From, "to": &f.To} {
		raw, _ := cmd.Flags().GetString(flag)
		if raw == "" {
			continue
		}
		d, err := models.ParseDate(raw)
		if err != nil {
			return f, fmt.Errorf("--%s: %w", flag, err)
		}
		*dst = d
	}
	return f, f.Normalize()
}

func runExport(cmd *cobra.Command, args []string) error {
	f, err := exportFilter(cmd)
	if err != nil {
		return err
	}

	a, err := loadApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	path, _ := cmd.Flags().GetString("out")
	if path == "" {
		path = fmt.Sprintf("leave-register-%s.xlsx", time.Now().In(a.Config.Facility.Location).Format("20060102"))
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	rows, err := a.Exporter.Write(cmd.Context(), file, f)
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("export failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d requests to %s\n", rows, path)
	return nil
}
