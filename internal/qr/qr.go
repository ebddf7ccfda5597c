package qr

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/makiuchi-d/gozxing"
	zxqrcode "github.com/makiuchi-d/gozxing/qrcode"
	qrcode "github.com/skip2/go-qrcode"

	"rxledger/internal/model"
)

// DefaultSize is the PNG edge length in pixels.
const DefaultSize = 256

const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrNotFound means the image holds no readable QR code.
	ErrNotFound = errors.New("no QR code found in image")
	// ErrBadFormat means the QR text is not a prescription JSON object.
	ErrBadFormat = errors.New("invalid QR code format")
	// ErrNotImage means the upload is not a PNG, JPEG or GIF image.
	ErrNotImage = errors.New("unsupported image")
)

// MissingFieldsError lists required payload fields that were absent or empty.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return "missing required fields: " + strings.Join(e.Fields, ", ")
}

// Payload is the JSON carried inside a prescription QR code. Field order is
// the wire order.
type Payload struct {
	PrescriptionID string `json:"prescriptionId"`
	DataHash       string `json:"dataHash"`
	DoctorAddress  string `json:"doctorAddress"`
	PatientID      string `json:"patientId"`
	DrugName       string `json:"drugName"`
	Dosage         string `json:"dosage"`
	Notes          string `json:"notes"`
	Timestamp      string `json:"timestamp"`
}

// NewPayload builds the QR payload for a mirrored record.
func NewPayload(p model.Prescription, now time.Time) Payload {
	return Payload{
		PrescriptionID: p.PrescriptionID,
		DataHash:       p.DataHash,
		DoctorAddress:  p.DoctorAddress,
		PatientID:      p.PatientID,
		DrugName:       p.DrugName,
		Dosage:         p.Dosage,
		Notes:          p.Notes,
		Timestamp:      now.UTC().Format(timestampLayout),
	}
}

// Text returns the JSON text stored in the code.
func (p Payload) Text() (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return "", fmt.Errorf("marshal qr payload: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// Encode renders p as a PNG QR code with medium error correction. A size of
// zero or less uses DefaultSize.
func Encode(p Payload, size int) ([]byte, error) {
	text, err := p.Text()
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(text, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// Decode scans a PNG, JPEG or GIF image and parses the prescription payload.
func Decode(r io.Reader) (Payload, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	text, err := scan(img)
	if err != nil {
		return Payload{}, err
	}
	return Parse(text)
}

func scan(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	result, err := zxqrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", ErrNotFound
	}
	return result.GetText(), nil
}

var requiredFields = []string{"prescriptionId", "doctorAddress", "patientId", "drugName", "dosage"}

// Parse validates QR text. Required fields must be present and non-empty;
// dataHash and notes default to "".
func Parse(text string) (Payload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil || raw == nil {
		return Payload{}, ErrBadFormat
	}

	values := make(map[string]string, len(raw))
	for key, value := range raw {
		values[key] = stringValue(value)
	}

	var missing []string
	for _, field := range requiredFields {
		if values[field] == "" {
			missing = append(missing, field)
		}
	}
	if len(missing) > 0 {
		return Payload{}, &MissingFieldsError{Fields: missing}
	}

	return Payload{
		PrescriptionID: values["prescriptionId"],
		DataHash:       values["dataHash"],
		DoctorAddress:  values["doctorAddress"],
		PatientID:      values["patientId"],
		DrugName:       values["drugName"],
		Dosage:         values["dosage"],
		Notes:          values["notes"],
		Timestamp:      values["timestamp"],
	}, nil
}

// stringValue reads a JSON string; null and false read as empty, other
// scalars keep their literal text.
func stringValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	text := strings.TrimSpace(string(raw))
	switch text {
	case "null", "false", `""`:
		return ""
	}
	return text
}
