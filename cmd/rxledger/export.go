package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rxledger/internal/report"
	"rxledger/internal/storage"
)

func newExportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export mirrored prescriptions",
	}

	csvCmd := &cobra.Command{
		Use:   "csv",
		Short: "Export the filtered history as CSV",
		RunE:  runExportCSV,
	}
	csvCmd.Flags().String("search", "", "search prescription id, medication, patient or doctor")
	csvCmd.Flags().String("status", "all", "status filter: all, issued or used")
	csvCmd.Flags().String("sort", string(report.SortDateDesc), "sort order: date-desc, date-asc or medication")
	csvCmd.Flags().String("file", "", "output file (default prescription-history-<ms>.csv, - for stdout)")

	textCmd := &cobra.Command{
		Use:   "text <prescription-id>",
		Short: "Export one prescription as a printable text record",
		Args:  cobra.ExactArgs(1),
		RunE:  runExportText,
	}
	textCmd.Flags().String("file", "", "output file (default prescription-<id>.txt, - for stdout)")

	analyticsCmd := &cobra.Command{
		Use:   "analytics",
		Short: "Print the analytics snapshot as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(context.Background(), cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			records, err := a.store.List(cmd.Context(), storage.Query{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report.ComputeAnalytics(records, time.Now(), a.loc))
		},
	}

	cmd.AddCommand(csvCmd, textCmd, analyticsCmd)
	return cmd
}

func runExportCSV(cmd *cobra.Command, _ []string) error {
	search, _ := cmd.Flags().GetString("search")
	status, _ := cmd.Flags().GetString("status")
	sortBy, _ := cmd.Flags().GetString("sort")
	q, err := report.ParseHistoryQuery(search, status, sortBy)
	if err != nil {
		return err
	}

	a, err := newApp(context.Background(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	records, err := a.store.List(cmd.Context(), storage.Query{})
	if err != nil {
		return err
	}

	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path = report.CSVFileName(time.Now())
	}
	return writeOutput(cmd.OutOrStdout(), path, func(w io.Writer) error {
		return report.WriteCSV(w, report.History(records, q), a.loc)
	})
}

func runExportText(cmd *cobra.Command, args []string) error {
	a, err := newApp(context.Background(), cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	record, found, err := a.store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("prescription %s is not in the mirror", args[0])
	}

	path, _ := cmd.Flags().GetString("file")
	if path == "" {
		path = report.RecordFileName(record.PrescriptionID)
	}
	return writeOutput(cmd.OutOrStdout(), path, func(w io.Writer) error {
		_, err := io.WriteString(w, report.RecordText(record, a.loc))
		return err
	})
}

// writeOutput writes to path, or to stdout when path is "-".
func writeOutput(stdout io.Writer, path string, write func(io.Writer) error) error {
	if path == "-" {
		return write(stdout)
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(file); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	fmt.Fprintln(stdout, path)
	return nil
}
