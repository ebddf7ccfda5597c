package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"rxledger/internal/model"
	"rxledger/internal/qr"
	"rxledger/internal/rx"
)

func newQRCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "qr",
		Short: "Encode and decode prescription QR codes",
	}

	encode := &cobra.Command{
		Use:   "encode",
		Short: "Write the QR code of a prescription as PNG",
		RunE:  runQREncode,
	}
	addFieldFlags(encode.Flags())
	encode.Flags().String("doctor-address", "", "issuing doctor; when set the QR is built from flags instead of the mirror")
	encode.Flags().String("png", "", "output PNG path (default <prescription-id>.png)")
	encode.Flags().Int("size", qr.DefaultSize, "image edge length in pixels")

	decode := &cobra.Command{
		Use:   "decode <image>",
		Short: "Print the prescription carried by a QR image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open qr image: %w", err)
			}
			defer file.Close()
			payload, err := qr.Decode(file)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), payload)
		},
	}

	cmd.AddCommand(encode, decode)
	return cmd
}

func runQREncode(cmd *cobra.Command, _ []string) error {
	fields := fieldsFromFlags(cmd.Flags()).Normalize()
	if fields.PrescriptionID == "" {
		return fmt.Errorf("prescription-id is required")
	}

	var record model.Prescription
	if doctor, _ := cmd.Flags().GetString("doctor-address"); doctor != "" {
		record = model.Prescription{
			PrescriptionID: fields.PrescriptionID,
			DoctorAddress:  rx.Trim(doctor),
			PatientID:      fields.PatientID,
			DrugName:       fields.DrugName,
			Dosage:         fields.Dosage,
			Notes:          fields.Notes,
			DataHash:       rx.Hash(fields),
		}
	} else {
		a, err := newApp(context.Background(), cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		var found bool
		record, found, err = a.store.Get(cmd.Context(), fields.PrescriptionID)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("prescription %s is not in the mirror", fields.PrescriptionID)
		}
	}

	size, _ := cmd.Flags().GetInt("size")
	png, err := qr.Encode(qr.NewPayload(record, time.Now()), size)
	if err != nil {
		return err
	}

	out, _ := cmd.Flags().GetString("png")
	if out == "" {
		out = record.PrescriptionID + ".png"
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output dir: %w", err)
		}
	}
	if err := os.WriteFile(out, png, 0o644); err != nil {
		return fmt.Errorf("write png: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
