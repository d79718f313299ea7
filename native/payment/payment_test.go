package payment

import (
	"bytes"
	"errors"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardflow/core/types"
)

func addr(fill byte) [20]byte {
	var a [20]byte
	copy(a[:], bytes.Repeat([]byte{fill}, 20))
	return a
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		details *types.PaymentDetails
		want    error
	}{
		{"nil", nil, nil},
		{"zero", &types.PaymentDetails{}, nil},
		{"native", &types.PaymentDetails{Recipient: addr(1), NativeAmount: big.NewInt(5)}, nil},
		{"token", &types.PaymentDetails{Recipient: addr(1), Token: addr(9), TokenAmount: big.NewInt(5)}, nil},
		{"both", &types.PaymentDetails{Recipient: addr(1), NativeAmount: big.NewInt(1), Token: addr(9), TokenAmount: big.NewInt(5)}, ErrAmbiguousAmount},
		{"no recipient", &types.PaymentDetails{NativeAmount: big.NewInt(1)}, ErrZeroRecipient},
		{"recipient without amount", &types.PaymentDetails{Recipient: addr(1)}, ErrMissingAmount},
		{"negative", &types.PaymentDetails{Recipient: addr(1), NativeAmount: big.NewInt(-1)}, ErrNegativeAmount},
		{"token without address", &types.PaymentDetails{Recipient: addr(1), TokenAmount: big.NewInt(2)}, ErrMissingToken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.details)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSettleNativeAndToken(t *testing.T) {
	ledger := NewMemoryLedger()
	payer := addr(0xEE)
	token := addr(0x77)
	require.NoError(t, ledger.CreditNative(payer, big.NewInt(100)))
	require.NoError(t, ledger.CreditToken(token, payer, big.NewInt(50)))
	engine := NewEngine(ledger, payer)

	require.NoError(t, engine.Settle(&types.PaymentDetails{Recipient: addr(1), NativeAmount: big.NewInt(40)}))
	require.NoError(t, engine.Settle(&types.PaymentDetails{Recipient: addr(2), Token: token, TokenAmount: big.NewInt(50)}))

	assert.Equal(t, int64(60), ledger.NativeBalance(payer).Int64())
	assert.Equal(t, int64(40), ledger.NativeBalance(addr(1)).Int64())
	assert.Equal(t, int64(50), ledger.TokenBalance(token, addr(2)).Int64())
	assert.Equal(t, int64(0), ledger.TokenBalance(token, payer).Int64())
}

func TestSettleFailureIsWrapped(t *testing.T) {
	ledger := NewMemoryLedger()
	engine := NewEngine(ledger, addr(0xEE))
	details := &types.PaymentDetails{Recipient: addr(1), NativeAmount: big.NewInt(1)}

	assert.ErrorIs(t, engine.Precheck(details), ErrInsufficientFunds)
	err := engine.Settle(details)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSettlementFailed))
	assert.Equal(t, int64(0), ledger.NativeBalance(addr(1)).Int64())
}

func TestSettleWithoutLedger(t *testing.T) {
	engine := NewEngine(nil, addr(0xEE))
	assert.NoError(t, engine.Settle(nil))
	assert.ErrorIs(t, engine.Settle(&types.PaymentDetails{Recipient: addr(1), NativeAmount: big.NewInt(1)}), ErrSettlementFailed)
}

func TestLedgerRejectsOverflow(t *testing.T) {
	ledger := NewMemoryLedger()
	huge := new(big.Int).Lsh(big.NewInt(1), 256)
	assert.Error(t, ledger.CreditNative(addr(1), huge))
	max := new(big.Int).Sub(huge, big.NewInt(1))
	require.NoError(t, ledger.CreditNative(addr(1), max))
	assert.Error(t, ledger.CreditNative(addr(1), big.NewInt(1)))
}

func TestHoldCaptureAndRelease(t *testing.T) {
	ledger := NewMemoryLedger()
	payer := addr(0xEE)
	hold := HoldAccount(payer)
	require.NoError(t, ledger.CreditNative(payer, big.NewInt(100)))
	engine := NewEngine(ledger, payer)

	captured, err := engine.Hold(&types.PaymentDetails{Recipient: addr(1), NativeAmount: big.NewInt(30)})
	require.NoError(t, err)
	assert.Equal(t, int64(70), ledger.NativeBalance(payer).Int64())
	assert.Equal(t, int64(30), ledger.NativeBalance(hold).Int64())
	require.NoError(t, captured.Capture())
	require.NoError(t, captured.Release())
	assert.Equal(t, int64(30), ledger.NativeBalance(addr(1)).Int64())
	assert.Equal(t, int64(0), ledger.NativeBalance(hold).Int64())

	released, err := engine.Hold(&types.PaymentDetails{Recipient: addr(2), NativeAmount: big.NewInt(50)})
	require.NoError(t, err)
	require.NoError(t, released.Release())
	require.NoError(t, released.Capture())
	assert.Equal(t, int64(70), ledger.NativeBalance(payer).Int64())
	assert.Equal(t, int64(0), ledger.NativeBalance(addr(2)).Int64())

	_, err = engine.Hold(&types.PaymentDetails{Recipient: addr(3), NativeAmount: big.NewInt(71)})
	assert.ErrorIs(t, err, ErrSettlementFailed)
	assert.Equal(t, int64(70), ledger.NativeBalance(payer).Int64())

	var none *Hold
	assert.NoError(t, none.Capture())
	assert.NoError(t, none.Release())
	assert.NotEqual(t, HoldAccount(addr(1)), hold)
}
