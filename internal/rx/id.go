package rx

import (
	"fmt"
	"math/rand"
	"time"
)

const (
	idPrefix      = "RX"
	suffixLen     = 6
	suffixCharset = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NewPrescriptionID returns RX-<unix ms>-<6 base36 chars>. Uniqueness is
// probabilistic.
func NewPrescriptionID(now time.Time) string {
	suffix := make([]byte, suffixLen)
	for i := range suffix {
		suffix[i] = suffixCharset[rand.Intn(len(suffixCharset))]
	}
	return fmt.Sprintf("%s-%d-%s", idPrefix, now.UnixMilli(), suffix)
}

// TruncateAddress shortens an address for display, e.g. 0x1234...abcd.
func TruncateAddress(address string) string {
	const start, end = 6, 4
	if len(address) <= start+end {
		return address
	}
	return address[:start] + "..." + address[len(address)-end:]
}
