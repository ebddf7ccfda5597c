package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"rxledger/internal/flow"
	"rxledger/internal/qr"
	"rxledger/internal/rx"
)

func addFieldFlags(fs *pflag.FlagSet) {
	fs.String("patient-id", "", "patient identifier")
	fs.String("drug-name", "", "medication name")
	fs.String("dosage", "", "dosage")
	fs.String("notes", "", "notes")
	fs.String("prescription-id", "", "prescription id")
}

func fieldsFromFlags(fs *pflag.FlagSet) rx.Fields {
	get := func(name string) string {
		v, _ := fs.GetString(name)
		return v
	}
	return rx.Fields{
		PatientID:      get("patient-id"),
		DrugName:       get("drug-name"),
		Dosage:         get("dosage"),
		Notes:          get("notes"),
		PrescriptionID: get("prescription-id"),
	}
}

func newHashCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Print the digest of a prescription",
		RunE: func(cmd *cobra.Command, _ []string) error {
			f := fieldsFromFlags(cmd.Flags())
			if canonical, _ := cmd.Flags().GetBool("canonical"); canonical {
				fmt.Fprintln(cmd.OutOrStdout(), string(rx.Canonical(f)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), rx.Hash(f))
			return nil
		},
	}
	addFieldFlags(cmd.Flags())
	cmd.Flags().Bool("canonical", false, "also print the canonical form that is hashed")
	return cmd
}

func newIssueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a prescription on the ledger",
		RunE:  runIssue,
	}
	addFieldFlags(cmd.Flags())
	return cmd
}

func runIssue(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.wallet.Connect(ctx); err != nil {
		return err
	}

	issuance := a.flow.NewIssuance()
	if _, err := issuance.Begin(); err != nil {
		return err
	}
	result, err := issuance.Submit(ctx, fieldsFromFlags(cmd.Flags()))
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if !result.Success {
		return fmt.Errorf("issue failed: %s", result.Error)
	}
	return nil
}

func addVerifyFlags(fs *pflag.FlagSet) {
	addFieldFlags(fs)
	fs.String("doctor-address", "", "issuing doctor's account address")
	fs.String("qr", "", "read the prescription from a QR image instead of flags")
}

func verifyInput(fs *pflag.FlagSet) (flow.VerifyInput, error) {
	if path, _ := fs.GetString("qr"); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return flow.VerifyInput{}, fmt.Errorf("open qr image: %w", err)
		}
		defer file.Close()
		payload, err := qr.Decode(file)
		if err != nil {
			return flow.VerifyInput{}, err
		}
		return flow.InputFromQR(payload), nil
	}
	doctor, _ := fs.GetString("doctor-address")
	return flow.VerifyInput{Fields: fieldsFromFlags(fs), DoctorAddress: doctor}, nil
}

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify a prescription against the ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, false)
		},
	}
	addVerifyFlags(cmd.Flags())
	return cmd
}

func newMarkUsedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mark-used",
		Short: "Verify a prescription and record on the ledger that it was dispensed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runVerify(cmd, true)
		},
	}
	addVerifyFlags(cmd.Flags())
	return cmd
}

func runVerify(cmd *cobra.Command, markUsed bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	in, err := verifyInput(cmd.Flags())
	if err != nil {
		return err
	}

	verification := a.flow.NewVerification()
	result, err := verification.Verify(ctx, in)
	if err != nil {
		return err
	}
	if !markUsed || !result.Verified {
		if err := printJSON(cmd.OutOrStdout(), result); err != nil {
			return err
		}
		if !result.Verified {
			return fmt.Errorf("prescription %s is not valid on the ledger", result.PrescriptionID)
		}
		return nil
	}

	if _, err := a.wallet.Connect(ctx); err != nil {
		return err
	}
	result, err = verification.MarkUsed(ctx)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), result); err != nil {
		return err
	}
	if !result.MarkedUsed {
		return fmt.Errorf("mark used failed: %s", result.Error)
	}
	return nil
}
