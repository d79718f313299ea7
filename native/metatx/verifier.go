package metatx

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"guardflow/core/types"
)

// SignatureLength is the length of an r || s || v signature.
const SignatureLength = 65

var (
	ErrInvalidSignatureLength = errors.New("metatx: invalid signature length")
	ErrInvalidRecoveryID      = errors.New("metatx: invalid signature recovery id")
	ErrMalleableSignature     = errors.New("metatx: signature s value out of range")
	ErrInvalidSignature       = errors.New("metatx: invalid signature")
	ErrSignerMismatch         = errors.New("metatx: recovered signer does not match")
	ErrZeroSigner             = errors.New("metatx: signer required")
	ErrNonceMismatch          = errors.New("metatx: nonce mismatch")
	ErrDeadlineExpired        = errors.New("metatx: deadline expired")
	ErrChainIDMismatch        = errors.New("metatx: chain id mismatch")
	ErrGasPriceExceeded       = errors.New("metatx: gas price exceeds signed maximum")
	ErrHandlerMismatch        = errors.New("metatx: handler selector mismatch")
	ErrContractMismatch       = errors.New("metatx: handler contract mismatch")
	ErrActionMismatch         = errors.New("metatx: action mismatch")
	ErrMessageMismatch        = errors.New("metatx: message hash mismatch")
)

// Reason maps a verification error onto a stable metrics label.
func Reason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidSignatureLength), errors.Is(err, ErrInvalidRecoveryID), errors.Is(err, ErrMalleableSignature), errors.Is(err, ErrInvalidSignature):
		return "signature_format"
	case errors.Is(err, ErrSignerMismatch), errors.Is(err, ErrZeroSigner):
		return "signer"
	case errors.Is(err, ErrNonceMismatch):
		return "nonce"
	case errors.Is(err, ErrDeadlineExpired):
		return "deadline"
	case errors.Is(err, ErrChainIDMismatch):
		return "chain_id"
	case errors.Is(err, ErrGasPriceExceeded):
		return "gas_price"
	case errors.Is(err, ErrHandlerMismatch), errors.Is(err, ErrContractMismatch), errors.Is(err, ErrActionMismatch):
		return "handler"
	case errors.Is(err, ErrMessageMismatch):
		return "message"
	default:
		return "other"
	}
}

type gasPriceKey struct{}

// WithGasPrice attaches the relayer's effective fee price to the context.
func WithGasPrice(ctx context.Context, price *big.Int) context.Context {
	if price == nil {
		return ctx
	}
	return context.WithValue(ctx, gasPriceKey{}, new(big.Int).Set(price))
}

// GasPrice returns the fee price carried by the context, or zero.
func GasPrice(ctx context.Context) *big.Int {
	if ctx != nil {
		if price, ok := ctx.Value(gasPriceKey{}).(*big.Int); ok && price != nil {
			return new(big.Int).Set(price)
		}
	}
	return big.NewInt(0)
}

// Expectation describes what the receiving entry point requires of a signed
// request.
type Expectation struct {
	Handler  types.Selector
	Action   types.Action
	Now      int64
	GasPrice *big.Int
}

// Verifier validates signed requests for one deployment and owns the
// per-signer nonce table. Nonces are global across operations for a signer.
type Verifier struct {
	chainID  uint64
	contract [20]byte
	domain   [32]byte
	nonces   map[[20]byte]uint64
}

// NewVerifier binds a verifier to a network and hosting contract.
func NewVerifier(chainID uint64, contract [20]byte) *Verifier {
	return &Verifier{
		chainID:  chainID,
		contract: contract,
		domain:   DomainSeparator(chainID, contract),
		nonces:   make(map[[20]byte]uint64),
	}
}

// ChainID returns the network identifier.
func (v *Verifier) ChainID() uint64 { return v.chainID }

// Contract returns the verifying contract address.
func (v *Verifier) Contract() [20]byte { return v.contract }

// DomainSeparator returns the cached domain separator.
func (v *Verifier) DomainSeparator() [32]byte { return v.domain }

// Nonce returns the next nonce the signer must use.
func (v *Verifier) Nonce(signer [20]byte) uint64 { return v.nonces[signer] }

// Nonces returns a copy of the nonce table.
func (v *Verifier) Nonces() map[[20]byte]uint64 {
	out := make(map[[20]byte]uint64, len(v.nonces))
	for k, n := range v.nonces {
		out[k] = n
	}
	return out
}

// RestoreNonces loads a nonce table from a snapshot. Existing entries are only
// ever raised, never lowered.
func (v *Verifier) RestoreNonces(table map[[20]byte]uint64) {
	for signer, n := range table {
		if n > v.nonces[signer] {
			v.nonces[signer] = n
		}
	}
}

// Digest computes the signing digest for a record and envelope.
func (v *Verifier) Digest(record *types.TxRecord, params *types.MetaTxParams, data []byte) [32]byte {
	return Digest(v.domain, record, params, data)
}

// Verify runs the full verification pipeline against the authoritative record
// and returns the digest. It never mutates state; callers consume the nonce
// with Consume once every other check of the transition has passed.
func (v *Verifier) Verify(mtx *types.MetaTransaction, record *types.TxRecord, exp Expectation) ([32]byte, error) {
	if mtx == nil || record == nil {
		return [32]byte{}, ErrInvalidSignature
	}
	params := &mtx.Params
	if err := checkSignatureFormat(mtx.Signature); err != nil {
		return [32]byte{}, err
	}
	if params.Signer == ([20]byte{}) {
		return [32]byte{}, ErrZeroSigner
	}
	digest := v.Digest(record, params, mtx.Data)
	if mtx.Message != ([32]byte{}) && mtx.Message != digest {
		return [32]byte{}, ErrMessageMismatch
	}
	recovered, err := RecoverSigner(digest, mtx.Signature)
	if err != nil {
		return [32]byte{}, err
	}
	if recovered != params.Signer {
		return [32]byte{}, fmt.Errorf("%w: recovered 0x%x, declared 0x%x", ErrSignerMismatch, recovered, params.Signer)
	}
	if stored := v.nonces[params.Signer]; stored != params.Nonce {
		return [32]byte{}, fmt.Errorf("%w: expected %d, got %d", ErrNonceMismatch, stored, params.Nonce)
	}
	if exp.Now > params.Deadline {
		return [32]byte{}, fmt.Errorf("%w: deadline %d, now %d", ErrDeadlineExpired, params.Deadline, exp.Now)
	}
	if params.ChainID != v.chainID {
		return [32]byte{}, fmt.Errorf("%w: expected %d, got %d", ErrChainIDMismatch, v.chainID, params.ChainID)
	}
	if params.MaxGasPrice != nil && params.MaxGasPrice.Sign() > 0 && exp.GasPrice != nil && exp.GasPrice.Cmp(params.MaxGasPrice) > 0 {
		return [32]byte{}, fmt.Errorf("%w: %s > %s", ErrGasPriceExceeded, exp.GasPrice, params.MaxGasPrice)
	}
	if params.HandlerSelector != exp.Handler {
		return [32]byte{}, fmt.Errorf("%w: expected %s, got %s", ErrHandlerMismatch, exp.Handler, params.HandlerSelector)
	}
	if params.HandlerContract != v.contract {
		return [32]byte{}, ErrContractMismatch
	}
	if params.Action != exp.Action {
		return [32]byte{}, fmt.Errorf("%w: expected %s, got %s", ErrActionMismatch, exp.Action, params.Action)
	}
	return digest, nil
}

// Consume advances the signer's nonce if it still equals nonce. The first
// caller wins; a second consumption of the same nonce fails.
func (v *Verifier) Consume(signer [20]byte, nonce uint64) error {
	if stored := v.nonces[signer]; stored != nonce {
		return fmt.Errorf("%w: expected %d, got %d", ErrNonceMismatch, stored, nonce)
	}
	v.nonces[signer] = nonce + 1
	return nil
}

func checkSignatureFormat(sig []byte) error {
	if len(sig) != SignatureLength {
		return fmt.Errorf("%w: %d", ErrInvalidSignatureLength, len(sig))
	}
	recID := sig[64]
	if recID != 27 && recID != 28 {
		return fmt.Errorf("%w: %d", ErrInvalidRecoveryID, recID)
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !ethcrypto.ValidateSignatureValues(recID-27, r, s, true) {
		return ErrMalleableSignature
	}
	return nil
}

// RecoverSigner returns the address that produced sig over digest. The
// signature must use a recovery id of 27 or 28 and a low s value.
func RecoverSigner(digest [32]byte, sig []byte) ([20]byte, error) {
	if err := checkSignatureFormat(sig); err != nil {
		return [20]byte{}, err
	}
	normalized := append([]byte(nil), sig...)
	normalized[64] -= 27
	pub, err := ethcrypto.SigToPub(digest[:], normalized)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Sign produces a signature over digest in the r || s || v form accepted by
// the verifier.
func Sign(digest [32]byte, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, ErrInvalidSignature
	}
	sig, err := ethcrypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// AddressOf returns the address controlled by a private key.
func AddressOf(key *ecdsa.PrivateKey) [20]byte {
	return ethcrypto.PubkeyToAddress(key.PublicKey)
}
