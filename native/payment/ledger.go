package payment

import (
	"errors"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

var errAmountOverflow = errors.New("payment: amount exceeds 256 bits")

// MemoryLedger is an in-process ledger with overflow-checked 256-bit balances.
type MemoryLedger struct {
	mu     sync.Mutex
	native map[[20]byte]*uint256.Int
	tokens map[[20]byte]map[[20]byte]*uint256.Int
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		native: make(map[[20]byte]*uint256.Int),
		tokens: make(map[[20]byte]map[[20]byte]*uint256.Int),
	}
}

// CreditNative mints native balance to an account.
func (l *MemoryLedger) CreditNative(account [20]byte, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return credit(l.native, account, amt)
}

// CreditToken mints token balance to an account.
func (l *MemoryLedger) CreditToken(token, account [20]byte, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return credit(l.tokenBook(token), account, amt)
}

// NativeBalance implements BalanceReader.
func (l *MemoryLedger) NativeBalance(account [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return balanceOf(l.native, account)
}

// TokenBalance implements BalanceReader.
func (l *MemoryLedger) TokenBalance(token, account [20]byte) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return balanceOf(l.tokens[token], account)
}

// TransferNative implements Ledger.
func (l *MemoryLedger) TransferNative(from, to [20]byte, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return move(l.native, from, to, amt)
}

// TransferToken implements Ledger.
func (l *MemoryLedger) TransferToken(token, from, to [20]byte, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return move(l.tokenBook(token), from, to, amt)
}

func (l *MemoryLedger) tokenBook(token [20]byte) map[[20]byte]*uint256.Int {
	book, ok := l.tokens[token]
	if !ok {
		book = make(map[[20]byte]*uint256.Int)
		l.tokens[token] = book
	}
	return book
}

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return uint256.NewInt(0), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	out, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, errAmountOverflow
	}
	return out, nil
}

func credit(book map[[20]byte]*uint256.Int, account [20]byte, amt *uint256.Int) error {
	current, ok := book[account]
	if !ok {
		current = uint256.NewInt(0)
	}
	sum, overflow := new(uint256.Int).AddOverflow(current, amt)
	if overflow {
		return errAmountOverflow
	}
	book[account] = sum
	return nil
}

func move(book map[[20]byte]*uint256.Int, from, to [20]byte, amt *uint256.Int) error {
	balance, ok := book[from]
	if !ok || balance.Lt(amt) {
		return ErrInsufficientFunds
	}
	if from == to {
		return nil
	}
	if err := credit(book, to, amt); err != nil {
		return err
	}
	book[from] = new(uint256.Int).Sub(balance, amt)
	return nil
}

func balanceOf(book map[[20]byte]*uint256.Int, account [20]byte) *big.Int {
	if book == nil {
		return big.NewInt(0)
	}
	balance, ok := book[account]
	if !ok {
		return big.NewInt(0)
	}
	return balance.ToBig()
}
