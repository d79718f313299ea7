package metatx

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"guardflow/core/types"
)

// Protocol identity bound into every domain separator.
const (
	ProtocolName    = "GuardFlow"
	ProtocolVersion = "1"
)

const (
	domainType       = "EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"
	txParamsType     = "TxParams(address requester,address target,uint256 value,uint256 gasLimit,bytes32 operationType,bytes4 handlerSelector,bytes4 executionSelector,bytes executionParams)"
	paymentType      = "PaymentDetails(address recipient,uint256 nativeTokenAmount,address erc20TokenAddress,uint256 erc20TokenAmount)"
	txRecordType     = "TxRecord(uint256 txId,uint256 releaseTime,uint8 status,TxParams params,PaymentDetails payment)"
	metaTxParamsType = "MetaTxParams(uint256 chainId,uint256 nonce,address handlerContract,bytes4 handlerSelector,uint8 action,uint256 deadline,uint256 maxGasPrice,address signer)"
	metaTxType       = "MetaTransaction(TxRecord txRecord,MetaTxParams params,bytes data)"
)

// Referenced struct types are appended in alphabetical order.
var (
	domainTypeHash       = keccak([]byte(domainType))
	txParamsTypeHash     = keccak([]byte(txParamsType))
	paymentTypeHash      = keccak([]byte(paymentType))
	txRecordTypeHash     = keccak([]byte(txRecordType + paymentType + txParamsType))
	metaTxParamsTypeHash = keccak([]byte(metaTxParamsType))
	metaTxTypeHash       = keccak([]byte(metaTxType + metaTxParamsType + paymentType + txParamsType + txRecordType))
)

// DomainSeparator binds signatures to the protocol, network and contract.
func DomainSeparator(chainID uint64, contract [20]byte) [32]byte {
	return keccak(
		domainTypeHash[:],
		keccakBytes([]byte(ProtocolName)),
		keccakBytes([]byte(ProtocolVersion)),
		uintWord(chainID),
		addressWord(contract),
	)
}

// HashTxParams returns the struct hash of the request parameters.
func HashTxParams(p *types.TxParams) [32]byte {
	return keccak(
		txParamsTypeHash[:],
		addressWord(p.Requester),
		addressWord(p.Target),
		bigWord(p.Value),
		uintWord(p.GasLimit),
		p.OperationType[:],
		selectorWord(p.HandlerSelector),
		selectorWord(p.ExecutionSelector),
		keccakBytes(p.ExecutionParams),
	)
}

// HashPayment returns the struct hash of the payment details. A nil payment
// hashes as the zero value.
func HashPayment(p *types.PaymentDetails) [32]byte {
	if p == nil {
		p = &types.PaymentDetails{}
	}
	return keccak(
		paymentTypeHash[:],
		addressWord(p.Recipient),
		bigWord(p.NativeAmount),
		addressWord(p.Token),
		bigWord(p.TokenAmount),
	)
}

// HashTxRecord returns the struct hash of a record. The message and result
// fields are outputs and are not covered.
func HashTxRecord(r *types.TxRecord) [32]byte {
	params := HashTxParams(&r.Params)
	payment := HashPayment(r.Payment)
	return keccak(
		txRecordTypeHash[:],
		uintWord(r.ID),
		intWord(r.ReleaseTime),
		uintWord(uint64(r.Status)),
		params[:],
		payment[:],
	)
}

// HashMetaTxParams returns the struct hash of the signer envelope.
func HashMetaTxParams(p *types.MetaTxParams) [32]byte {
	return keccak(
		metaTxParamsTypeHash[:],
		uintWord(p.ChainID),
		uintWord(p.Nonce),
		addressWord(p.HandlerContract),
		selectorWord(p.HandlerSelector),
		uintWord(uint64(p.Action)),
		intWord(p.Deadline),
		bigWord(p.MaxGasPrice),
		addressWord(p.Signer),
	)
}

// HashMetaTransaction returns the struct hash of the full signed request.
func HashMetaTransaction(record *types.TxRecord, params *types.MetaTxParams, data []byte) [32]byte {
	rec := HashTxRecord(record)
	meta := HashMetaTxParams(params)
	return keccak(
		metaTxTypeHash[:],
		rec[:],
		meta[:],
		keccakBytes(data),
	)
}

// Digest is the final message a signer signs: 0x1901 || domain || struct.
func Digest(domain [32]byte, record *types.TxRecord, params *types.MetaTxParams, data []byte) [32]byte {
	structHash := HashMetaTransaction(record, params, data)
	return keccak([]byte{0x19, 0x01}, domain[:], structHash[:])
}

func keccak(parts ...[]byte) [32]byte {
	return ethcrypto.Keccak256Hash(parts...)
}

func keccakBytes(b []byte) []byte {
	return ethcrypto.Keccak256(b)
}

func addressWord(a [20]byte) []byte {
	word := make([]byte, 32)
	copy(word[12:], a[:])
	return word
}

func selectorWord(s types.Selector) []byte {
	word := make([]byte, 32)
	copy(word, s[:])
	return word
}

func uintWord(v uint64) []byte {
	return math.U256Bytes(new(big.Int).SetUint64(v))
}

func intWord(v int64) []byte {
	return math.U256Bytes(big.NewInt(v))
}

func bigWord(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return math.U256Bytes(new(big.Int).Set(v))
}
