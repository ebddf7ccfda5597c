package qr

import (
	"bytes"
	"image"
	"image/png"
	"testing"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/stretchr/testify/require"

	"rxledger/internal/model"
)

func sampleRecord() model.Prescription {
	return model.Prescription{
		PrescriptionID: "RX-1700000000000-AB12CD",
		DoctorAddress:  "0x1111111111111111111111111111111111111111",
		PatientID:      "P1",
		DrugName:       "Amoxicillin",
		Dosage:         "500mg",
		Notes:          "after meals",
		DataHash:       "851dc7f056f7c6130dbe3a3b745bc019887b9c9b9bd8b37466b378e98fe2a925",
	}
}

func TestPayloadText(t *testing.T) {
	p := NewPayload(sampleRecord(), time.Date(2024, 3, 1, 12, 0, 0, 5e6, time.UTC))
	text, err := p.Text()
	require.NoError(t, err)
	require.Equal(t,
		`{"prescriptionId":"RX-1700000000000-AB12CD","dataHash":"851dc7f056f7c6130dbe3a3b745bc019887b9c9b9bd8b37466b378e98fe2a925",`+
			`"doctorAddress":"0x1111111111111111111111111111111111111111","patientId":"P1","drugName":"Amoxicillin",`+
			`"dosage":"500mg","notes":"after meals","timestamp":"2024-03-01T12:00:00.005Z"}`,
		text)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	rec := sampleRecord()
	png, err := Encode(NewPayload(rec, time.Now()), 0)
	require.NoError(t, err)

	got, err := Decode(bytes.NewReader(png))
	require.NoError(t, err)
	require.Equal(t, rec.PrescriptionID, got.PrescriptionID)
	require.Equal(t, rec.DoctorAddress, got.DoctorAddress)
	require.Equal(t, rec.PatientID, got.PatientID)
	require.Equal(t, rec.DrugName, got.DrugName)
	require.Equal(t, rec.Dosage, got.Dosage)
	require.Equal(t, rec.DataHash, got.DataHash)
	require.Equal(t, rec.Notes, got.Notes)
}

func TestDecodeNoCode(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	_, err := Decode(&buf)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDecodeNotAnImage(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte("plain text")))
	require.ErrorIs(t, err, ErrNotImage)
	require.NotErrorIs(t, err, ErrNotFound)
}

func TestDecodeBadFormat(t *testing.T) {
	png, err := qrcode.Encode("hello pharmacy", qrcode.Medium, DefaultSize)
	require.NoError(t, err)

	_, err = Decode(bytes.NewReader(png))
	require.ErrorIs(t, err, ErrBadFormat)
}

func TestParse(t *testing.T) {
	_, err := Parse(`[1,2,3]`)
	require.ErrorIs(t, err, ErrBadFormat)

	_, err = Parse(`null`)
	require.ErrorIs(t, err, ErrBadFormat)

	_, err = Parse(`{"prescriptionId":"RX-1","patientId":"","dosage":null}`)
	var missing *MissingFieldsError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, []string{"doctorAddress", "patientId", "drugName", "dosage"}, missing.Fields)
	require.Equal(t, "missing required fields: doctorAddress, patientId, drugName, dosage", err.Error())

	p, err := Parse(`{"prescriptionId":"RX-1","doctorAddress":"0xab","patientId":"P1","drugName":"D","dosage":"5mg"}`)
	require.NoError(t, err)
	require.Equal(t, "", p.DataHash)
	require.Equal(t, "", p.Notes)
}
