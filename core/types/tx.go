package types

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Selector is the stable four byte identifier of a callable entry point.
type Selector [4]byte

// SelectorOf derives the selector of a canonical function signature, e.g.
// "transfer(address,uint256)".
func SelectorOf(signature string) Selector {
	var sel Selector
	copy(sel[:], ethcrypto.Keccak256([]byte(strings.TrimSpace(signature)))[:4])
	return sel
}

// ParseSelector decodes a 0x-prefixed or bare hex selector.
func ParseSelector(raw string) (Selector, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	decoded, err := hex.DecodeString(trimmed)
	if err != nil {
		return Selector{}, fmt.Errorf("selector: %w", err)
	}
	if len(decoded) != 4 {
		return Selector{}, fmt.Errorf("selector: expected 4 bytes, got %d", len(decoded))
	}
	var sel Selector
	copy(sel[:], decoded)
	return sel, nil
}

// IsZero reports whether the selector is unset.
func (s Selector) IsZero() bool { return s == Selector{} }

func (s Selector) String() string { return "0x" + hex.EncodeToString(s[:]) }

// TxStatus captures the lifecycle state of a transaction record.
type TxStatus uint8

const (
	TxUndefined TxStatus = iota
	TxPending
	TxCompleted
	TxCancelled
	TxFailed
	TxRejected
)

// Terminal reports whether the status can no longer change.
func (s TxStatus) Terminal() bool {
	switch s {
	case TxCompleted, TxCancelled, TxFailed, TxRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether the status value is within the supported range.
func (s TxStatus) Valid() bool { return s <= TxRejected }

func (s TxStatus) String() string {
	switch s {
	case TxUndefined:
		return "UNDEFINED"
	case TxPending:
		return "PENDING"
	case TxCompleted:
		return "COMPLETED"
	case TxCancelled:
		return "CANCELLED"
	case TxFailed:
		return "FAILED"
	case TxRejected:
		return "REJECTED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// PaymentDetails describes an optional value transfer settled when the record
// completes. Native and token amounts are mutually exclusive.
type PaymentDetails struct {
	Recipient    [20]byte
	NativeAmount *big.Int
	Token        [20]byte
	TokenAmount  *big.Int
}

// IsZero reports whether no payment is described.
func (p *PaymentDetails) IsZero() bool {
	if p == nil {
		return true
	}
	return p.Recipient == ([20]byte{}) && p.Token == ([20]byte{}) && sign(p.NativeAmount) == 0 && sign(p.TokenAmount) == 0
}

// Clone returns a deep copy of the payment details.
func (p *PaymentDetails) Clone() *PaymentDetails {
	if p == nil {
		return nil
	}
	clone := *p
	clone.NativeAmount = cloneBig(p.NativeAmount)
	clone.TokenAmount = cloneBig(p.TokenAmount)
	return &clone
}

// TxParams carries the immutable request parameters of a record.
type TxParams struct {
	Requester         [20]byte
	Target            [20]byte
	Value             *big.Int
	GasLimit          uint64
	OperationType     [32]byte
	HandlerSelector   Selector
	ExecutionSelector Selector
	ExecutionParams   []byte
}

// Clone returns a deep copy of the parameters.
func (p TxParams) Clone() TxParams {
	clone := p
	clone.Value = cloneBig(p.Value)
	clone.ExecutionParams = append([]byte(nil), p.ExecutionParams...)
	return clone
}

// TxRecord is the durable audit record of a single sensitive operation.
type TxRecord struct {
	ID          uint64
	ReleaseTime int64
	CreatedAt   int64
	Status      TxStatus
	Params      TxParams
	Message     [32]byte
	Result      []byte
	Payment     *PaymentDetails
}

// Clone returns a deep copy of the record so callers can safely mutate it.
func (r *TxRecord) Clone() *TxRecord {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Params = r.Params.Clone()
	clone.Result = append([]byte(nil), r.Result...)
	clone.Payment = r.Payment.Clone()
	return &clone
}

// OperationName renders the operation category as hex for logs and events.
func (r *TxRecord) OperationName() string {
	if r == nil {
		return ""
	}
	return "0x" + hex.EncodeToString(r.Params.OperationType[:])
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func sign(v *big.Int) int {
	if v == nil {
		return 0
	}
	return v.Sign()
}
