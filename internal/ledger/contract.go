package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrModuleNotFound means no prescription contract is deployed at the
	// configured address.
	ErrModuleNotFound = errors.New("prescription module not found")
	// ErrUnknownFunction means a payload names an entry point the module lacks.
	ErrUnknownFunction = errors.New("unknown entry point")
)

// Backend is the read side of a chain client.
type Backend interface {
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Contract binds the prescription module at one address.
type Contract struct {
	addressText string
	address     common.Address
	backend     Backend
	abi         abi.ABI
}

// NewContract binds address. The default address is accepted; every call
// against it reports ErrModuleNotFound.
func NewContract(address string, backend Backend) (*Contract, error) {
	parsed, err := PrescriptionABI()
	if err != nil {
		return nil, fmt.Errorf("parse prescription abi: %w", err)
	}
	if address == "" {
		address = DefaultAddress
	}
	if !isHexLike(address) {
		return nil, fmt.Errorf("invalid contract address: %s", address)
	}
	return &Contract{
		addressText: address,
		address:     common.HexToAddress(address),
		backend:     backend,
		abi:         parsed,
	}, nil
}

// Address returns the configured address as given.
func (c *Contract) Address() string {
	return c.addressText
}

// IsDefault reports whether the contract points at the undeployed default.
func (c *Contract) IsDefault() bool {
	return IsDefaultAddress(c.addressText)
}

// Encoder returns a payload encoder for this contract.
func (c *Contract) Encoder() Encoder {
	return NewEncoder(c.addressText)
}

// EnsureDeployed returns ErrModuleNotFound when the address holds no code.
func (c *Contract) EnsureDeployed(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("ledger backend is nil")
	}
	code, err := c.backend.CodeAt(ctx, c.address, nil)
	if err != nil {
		return fmt.Errorf("get contract code: %w", err)
	}
	if len(code) == 0 {
		return fmt.Errorf("%w at %s", ErrModuleNotFound, c.address.Hex())
	}
	return nil
}

// Pack resolves a payload to its call target and ABI-encoded input.
func (c *Contract) Pack(p Payload) (common.Address, []byte, error) {
	address, module, entry, err := ParseFunctionID(p.Function)
	if err != nil {
		return common.Address{}, nil, err
	}
	if module != ModuleName {
		return common.Address{}, nil, fmt.Errorf("%w: module %s", ErrModuleNotFound, module)
	}
	if !isHexLike(address) || common.HexToAddress(address) != c.address {
		return common.Address{}, nil, fmt.Errorf("payload targets %s, contract is %s", address, c.address.Hex())
	}
	method, ok := c.abi.Methods[entry]
	if !ok {
		return common.Address{}, nil, fmt.Errorf("%w: %s", ErrUnknownFunction, entry)
	}
	if len(p.Arguments) != len(method.Inputs) {
		return common.Address{}, nil, fmt.Errorf("%s expects %d arguments, got %d", entry, len(method.Inputs), len(p.Arguments))
	}

	args := make([]interface{}, 0, len(p.Arguments))
	for i, input := range method.Inputs {
		arg, err := convertArgument(input.Type, p.Arguments[i])
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("%s argument %s: %w", entry, input.Name, err)
		}
		args = append(args, arg)
	}

	data, err := c.abi.Pack(entry, args...)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("pack %s: %w", entry, err)
	}
	return c.address, data, nil
}

// Verify asks the ledger whether doctor issued prescriptionID with digest.
func (c *Contract) Verify(ctx context.Context, doctor string, prescriptionID uint64, digest []byte) (bool, error) {
	if err := c.EnsureDeployed(ctx); err != nil {
		return false, err
	}

	normalized := NormalizeAddress(doctor)
	if !common.IsHexAddress(normalized) {
		return false, fmt.Errorf("invalid doctor address: %s", doctor)
	}

	payload := Payload{
		Function:      FunctionID(c.addressText, EntryVerify),
		TypeArguments: []string{},
		Arguments:     []interface{}{common.HexToAddress(normalized), prescriptionID, digest},
	}
	to, data, err := c.Pack(payload)
	if err != nil {
		return false, err
	}

	resp, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call %s: %w", EntryVerify, err)
	}
	values, err := c.abi.Unpack(EntryVerify, resp)
	if err != nil {
		return false, fmt.Errorf("unpack %s: %w", EntryVerify, err)
	}
	if len(values) == 0 {
		return false, fmt.Errorf("unpack %s: empty result", EntryVerify)
	}
	ok, isBool := values[0].(bool)
	if !isBool {
		return false, fmt.Errorf("unpack %s: unexpected type %T", EntryVerify, values[0])
	}
	return ok, nil
}

func convertArgument(typ abi.Type, value interface{}) (interface{}, error) {
	switch typ.T {
	case abi.UintTy:
		return toUint64(value)
	case abi.BytesTy:
		return toBytes(value)
	case abi.AddressTy:
		return toAddress(value)
	default:
		return value, nil
	}
}

func toUint64(value interface{}) (uint64, error) {
	switch v := value.(type) {
	case uint64:
		return v, nil
	case uint32:
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("negative integer %d", v)
		}
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("negative integer %d", v)
		}
		return uint64(v), nil
	case float64:
		if v < 0 || v >= math.MaxUint64 || v != math.Trunc(v) {
			return 0, fmt.Errorf("not an unsigned integer: %v", v)
		}
		return uint64(v), nil
	case json.Number:
		n, ok := new(big.Int).SetString(v.String(), 10)
		if !ok || !n.IsUint64() {
			return 0, fmt.Errorf("not an unsigned integer: %s", v)
		}
		return n.Uint64(), nil
	default:
		return 0, fmt.Errorf("unsupported integer type %T", value)
	}
}

func toBytes(value interface{}) ([]byte, error) {
	switch v := value.(type) {
	case []byte:
		return v, nil
	case string:
		return DigestBytes(v)
	case []interface{}:
		out := make([]byte, 0, len(v))
		for _, item := range v {
			n, err := toUint64(item)
			if err != nil || n > math.MaxUint8 {
				return nil, fmt.Errorf("invalid byte value %v", item)
			}
			out = append(out, byte(n))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported bytes type %T", value)
	}
}

func toAddress(value interface{}) (common.Address, error) {
	switch v := value.(type) {
	case common.Address:
		return v, nil
	case string:
		normalized := NormalizeAddress(v)
		if !common.IsHexAddress(normalized) {
			return common.Address{}, fmt.Errorf("invalid address: %s", v)
		}
		return common.HexToAddress(normalized), nil
	default:
		return common.Address{}, fmt.Errorf("unsupported address type %T", value)
	}
}

func isHexLike(address string) bool {
	clean := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(address), "0x"), "0X")
	if clean == "" || len(clean) > 2*common.AddressLength {
		return false
	}
	for _, r := range clean {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// IsAccountAddress reports whether address is a 20-byte hex account once
// normalized.
func IsAccountAddress(address string) bool {
	return common.IsHexAddress(NormalizeAddress(address))
}
