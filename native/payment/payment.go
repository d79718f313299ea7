package payment

import (
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"guardflow/core/types"
)

var (
	ErrZeroRecipient     = errors.New("payment: recipient required")
	ErrAmbiguousAmount   = errors.New("payment: native and token amounts are mutually exclusive")
	ErrMissingAmount     = errors.New("payment: amount required")
	ErrNegativeAmount    = errors.New("payment: amount must not be negative")
	ErrMissingToken      = errors.New("payment: token address required for token payment")
	ErrInsufficientFunds = errors.New("payment: insufficient funds")
	ErrSettlementFailed  = errors.New("payment: settlement failed")
	ErrLedgerMissing     = errors.New("payment: ledger not configured")
)

// Ledger moves value between accounts. Token transfers are keyed by the token
// contract address.
type Ledger interface {
	TransferNative(from, to [20]byte, amount *big.Int) error
	TransferToken(token, from, to [20]byte, amount *big.Int) error
}

// BalanceReader is optionally implemented by ledgers that can report balances
// ahead of settlement.
type BalanceReader interface {
	NativeBalance(account [20]byte) *big.Int
	TokenBalance(token, account [20]byte) *big.Int
}

// Validate checks the attachment rules. A nil or zero value means no payment.
func Validate(d *types.PaymentDetails) error {
	if d.IsZero() {
		return nil
	}
	native := sign(d.NativeAmount)
	token := sign(d.TokenAmount)
	if native < 0 || token < 0 {
		return ErrNegativeAmount
	}
	if d.Recipient == ([20]byte{}) {
		return ErrZeroRecipient
	}
	if native > 0 && token > 0 {
		return ErrAmbiguousAmount
	}
	if native == 0 && token == 0 {
		return ErrMissingAmount
	}
	if token > 0 && d.Token == ([20]byte{}) {
		return ErrMissingToken
	}
	return nil
}

// Engine settles attached payments from the hosting account.
type Engine struct {
	ledger Ledger
	payer  [20]byte
	hold   [20]byte
}

// NewEngine binds the engine to a ledger and the paying account.
func NewEngine(ledger Ledger, payer [20]byte) *Engine {
	return &Engine{ledger: ledger, payer: payer, hold: HoldAccount(payer)}
}

// Payer returns the account settlements are drawn from.
func (e *Engine) Payer() [20]byte { return e.payer }

// Precheck reports whether the ledger can cover the payment right now. Ledgers
// that cannot report balances are assumed to cover it.
func (e *Engine) Precheck(d *types.PaymentDetails) error {
	if d.IsZero() {
		return nil
	}
	if e == nil || e.ledger == nil {
		return ErrLedgerMissing
	}
	reader, ok := e.ledger.(BalanceReader)
	if !ok {
		return nil
	}
	if sign(d.NativeAmount) > 0 {
		if reader.NativeBalance(e.payer).Cmp(d.NativeAmount) < 0 {
			return ErrInsufficientFunds
		}
		return nil
	}
	if reader.TokenBalance(d.Token, e.payer).Cmp(d.TokenAmount) < 0 {
		return ErrInsufficientFunds
	}
	return nil
}

// HoldAccount is the ledger account payments are parked in between Hold and
// Capture. It is derived from the payer so deployments never share one.
func HoldAccount(payer [20]byte) [20]byte {
	var out [20]byte
	copy(out[:], ethcrypto.Keccak256([]byte("guardflow/payment-hold"), payer[:])[12:])
	return out
}

// Hold is a payment moved out of the payer's account and not yet delivered.
// A nil Hold stands for "no payment" and every method on it succeeds.
type Hold struct {
	engine  *Engine
	details *types.PaymentDetails
	done    bool
}

// Hold reserves the attached payment by moving it from the payer to the hold
// account. Once it succeeds the payment can no longer be spent elsewhere.
// Failures wrap ErrSettlementFailed and move nothing.
func (e *Engine) Hold(d *types.PaymentDetails) (*Hold, error) {
	if d.IsZero() {
		return nil, nil
	}
	if err := Validate(d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	if e == nil || e.ledger == nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, ErrLedgerMissing)
	}
	if err := e.move(d, e.payer, e.hold); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	return &Hold{engine: e, details: d.Clone()}, nil
}

// Capture delivers the held payment to its recipient.
func (h *Hold) Capture() error {
	if h == nil || h.done {
		return nil
	}
	if err := h.engine.move(h.details, h.engine.hold, h.details.Recipient); err != nil {
		return fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	h.done = true
	return nil
}

// Release returns the held payment to the payer.
func (h *Hold) Release() error {
	if h == nil || h.done {
		return nil
	}
	if err := h.engine.move(h.details, h.engine.hold, h.engine.payer); err != nil {
		return fmt.Errorf("payment: release hold: %w", err)
	}
	h.done = true
	return nil
}

// Settle holds and immediately captures the payment. A failed capture
// releases the hold.
func (e *Engine) Settle(d *types.PaymentDetails) error {
	hold, err := e.Hold(d)
	if err != nil {
		return err
	}
	if err := hold.Capture(); err != nil {
		_ = hold.Release()
		return err
	}
	return nil
}

func (e *Engine) move(d *types.PaymentDetails, from, to [20]byte) error {
	if sign(d.NativeAmount) > 0 {
		return e.ledger.TransferNative(from, to, d.NativeAmount)
	}
	return e.ledger.TransferToken(d.Token, from, to, d.TokenAmount)
}

// TransferNative moves a bare native amount from the payer. It backs the
// native transfer macro and is not subject to the attachment rules.
func (e *Engine) TransferNative(to [20]byte, amount *big.Int) error {
	if e == nil || e.ledger == nil {
		return ErrLedgerMissing
	}
	if to == ([20]byte{}) {
		return ErrZeroRecipient
	}
	if sign(amount) < 0 {
		return ErrNegativeAmount
	}
	if sign(amount) == 0 {
		return ErrMissingAmount
	}
	return e.ledger.TransferNative(e.payer, to, amount)
}

func sign(v *big.Int) int {
	if v == nil {
		return 0
	}
	return v.Sign()
}
