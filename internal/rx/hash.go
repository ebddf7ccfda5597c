package rx

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Fields are the content fields a prescription digest is computed from.
// An empty Notes is the same as no notes.
type Fields struct {
	PatientID      string `json:"patientId"`
	DrugName       string `json:"drugName"`
	Dosage         string `json:"dosage"`
	Notes          string `json:"notes"`
	PrescriptionID string `json:"prescriptionId"`
}

// Normalize trims every field.
func (f Fields) Normalize() Fields {
	return Fields{
		PatientID:      Trim(f.PatientID),
		DrugName:       Trim(f.DrugName),
		Dosage:         Trim(f.Dosage),
		Notes:          Trim(f.Notes),
		PrescriptionID: Trim(f.PrescriptionID),
	}
}

// canonicalKeys is the serialization order. Records already on the ledger
// depend on it; never reorder.
var canonicalKeys = [...]string{"patientId", "drugName", "dosage", "notes", "prescriptionId"}

// Canonical returns the serialized form that is hashed: a compact JSON object
// with the keys in canonicalKeys order and trimmed string values.
func Canonical(f Fields) []byte {
	n := f.Normalize()
	values := [...]string{n.PatientID, n.DrugName, n.Dosage, n.Notes, n.PrescriptionID}

	var b strings.Builder
	b.WriteByte('{')
	for i, key := range canonicalKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		writeQuoted(&b, key)
		b.WriteByte(':')
		writeQuoted(&b, values[i])
	}
	b.WriteByte('}')
	return []byte(b.String())
}

// Hash returns the lowercase hex SHA-256 digest of Canonical(f).
func Hash(f Fields) string {
	sum := sha256.Sum256(Canonical(f))
	return hex.EncodeToString(sum[:])
}

// Trim strips leading and trailing whitespace: Zs, line terminators and the
// BOM. Unlike unicode.IsSpace, U+0085 is kept and U+FEFF is stripped.
func Trim(s string) string {
	return strings.TrimFunc(s, isTrimSpace)
}

func isTrimSpace(r rune) bool {
	switch r {
	case '\t', '\n', '\v', '\f', '\r', ' ', '\u00a0', '\u2028', '\u2029', '\ufeff':
		return true
	}
	return unicode.Is(unicode.Zs, r)
}

const lowerHex = "0123456789abcdef"

// writeQuoted writes s as a JSON string. Only quote, backslash and control
// characters are escaped; HTML characters, U+2028 and U+2029 pass through
// unchanged, which encoding/json would escape.
func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); {
		c := s[i]
		if c < utf8.RuneSelf {
			switch c {
			case '"':
				b.WriteString(`\"`)
			case '\\':
				b.WriteString(`\\`)
			case '\b':
				b.WriteString(`\b`)
			case '\f':
				b.WriteString(`\f`)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				if c < 0x20 {
					b.WriteString(`\u00`)
					b.WriteByte(lowerHex[c>>4])
					b.WriteByte(lowerHex[c&0xf])
				} else {
					b.WriteByte(c)
				}
			}
			i++
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			b.WriteRune(utf8.RuneError)
		} else {
			b.WriteString(s[i : i+size])
		}
		i += size
	}
	b.WriteByte('"')
}
