package ledger

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const prescriptionABIJSON = `[
  {
    "inputs": [
      {"internalType": "uint64", "name": "prescriptionId", "type": "uint64"},
      {"internalType": "bytes", "name": "dataHash", "type": "bytes"}
    ],
    "name": "issue_prescription",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "uint64", "name": "prescriptionId", "type": "uint64"}
    ],
    "name": "mark_used",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "doctor", "type": "address"},
      {"internalType": "uint64", "name": "prescriptionId", "type": "uint64"},
      {"internalType": "bytes", "name": "dataHash", "type": "bytes"}
    ],
    "name": "verify_prescription",
    "outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "doctor", "type": "address"},
      {"indexed": true, "internalType": "uint64", "name": "prescriptionId", "type": "uint64"},
      {"indexed": false, "internalType": "bytes", "name": "dataHash", "type": "bytes"}
    ],
    "name": "PrescriptionIssued",
    "type": "event"
  },
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "address", "name": "by", "type": "address"},
      {"indexed": true, "internalType": "uint64", "name": "prescriptionId", "type": "uint64"}
    ],
    "name": "PrescriptionUsed",
    "type": "event"
  }
]`

var (
	prescriptionABI     abi.ABI
	prescriptionABIOnce sync.Once
	prescriptionABIErr  error
)

// PrescriptionABI returns the parsed prescription contract ABI.
func PrescriptionABI() (abi.ABI, error) {
	prescriptionABIOnce.Do(func() {
		prescriptionABI, prescriptionABIErr = abi.JSON(strings.NewReader(prescriptionABIJSON))
	})
	return prescriptionABI, prescriptionABIErr
}
