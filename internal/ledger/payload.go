package ledger

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

const (
	// DefaultAddress marks a ledger with no prescription contract deployed.
	DefaultAddress = "0x1"
	// ModuleName namespaces every entry point.
	ModuleName = "rx_prescription"

	EntryIssue    = "issue_prescription"
	EntryMarkUsed = "mark_used"
	EntryVerify   = "verify_prescription"
)

const numericIDDigits = 10

// Payload is a ledger call request handed to the wallet.
type Payload struct {
	Function      string        `json:"entrypoint"`
	TypeArguments []string      `json:"typeArguments"`
	Arguments     []interface{} `json:"arguments"`
}

// NumericID derives the integer id the contract expects: the last ten
// decimal digits of prescriptionID, or 0 when it has none. The mapping is
// lossy; distinct ids sharing a digit tail collide.
func NumericID(prescriptionID string) uint64 {
	digits := make([]byte, 0, len(prescriptionID))
	for i := 0; i < len(prescriptionID); i++ {
		if c := prescriptionID[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) > numericIDDigits {
		digits = digits[len(digits)-numericIDDigits:]
	}
	if len(digits) == 0 {
		return 0
	}
	// Ten decimal digits always fit in uint64.
	n, _ := strconv.ParseUint(string(digits), 10, 64)
	return n
}

// DigestBytes decodes a hex digest, with or without a 0x prefix.
func DigestBytes(digestHex string) ([]byte, error) {
	clean := strings.TrimPrefix(strings.TrimPrefix(digestHex, "0x"), "0X")
	out, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("decode digest: %w", err)
	}
	return out, nil
}

// FunctionID returns the fully qualified identifier of an entry point.
func FunctionID(address, entry string) string {
	return address + "::" + ModuleName + "::" + entry
}

// ParseFunctionID splits address::module::entry.
func ParseFunctionID(id string) (address, module, entry string, err error) {
	parts := strings.Split(id, "::")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", fmt.Errorf("invalid function id: %q", id)
	}
	return parts[0], parts[1], parts[2], nil
}

// Encoder builds payloads for a fixed contract address.
type Encoder struct {
	address string
}

func NewEncoder(address string) Encoder {
	return Encoder{address: address}
}

// Address returns the contract address the encoder targets.
func (e Encoder) Address() string {
	return e.address
}

// Issue returns the issue_prescription payload.
func (e Encoder) Issue(prescriptionID, digestHex string) (Payload, error) {
	digest, err := DigestBytes(digestHex)
	if err != nil {
		return Payload{}, err
	}
	return Payload{
		Function:      FunctionID(e.address, EntryIssue),
		TypeArguments: []string{},
		Arguments:     []interface{}{NumericID(prescriptionID), digest},
	}, nil
}

// MarkUsed returns the mark_used payload.
func (e Encoder) MarkUsed(prescriptionID string) Payload {
	return Payload{
		Function:      FunctionID(e.address, EntryMarkUsed),
		TypeArguments: []string{},
		Arguments:     []interface{}{NumericID(prescriptionID)},
	}
}

// IsDefaultAddress reports whether address is empty or the undeployed default.
func IsDefaultAddress(address string) bool {
	clean := strings.TrimSpace(address)
	if clean == "" {
		return true
	}
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	clean = strings.TrimLeft(clean, "0")
	return clean == "1"
}

// NormalizeAddress prefixes 0x when it is missing.
func NormalizeAddress(address string) string {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "0x") || strings.HasPrefix(address, "0X") {
		return address
	}
	return "0x" + address
}
