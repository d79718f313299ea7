package types

import "math/big"

// MetaTxParams is the signer-side envelope of an off-line signed request.
type MetaTxParams struct {
	ChainID         uint64
	Nonce           uint64
	HandlerContract [20]byte
	HandlerSelector Selector
	Action          Action
	Deadline        int64
	MaxGasPrice     *big.Int
	Signer          [20]byte
}

// Clone returns a deep copy of the params.
func (p MetaTxParams) Clone() MetaTxParams {
	clone := p
	if p.MaxGasPrice != nil {
		clone.MaxGasPrice = new(big.Int).Set(p.MaxGasPrice)
	}
	return clone
}

// MetaTransaction bundles a record, the signer envelope, the canonical message
// hash and the raw 65 byte signature relayed by a second principal.
type MetaTransaction struct {
	TxRecord  TxRecord
	Params    MetaTxParams
	Message   [32]byte
	Signature []byte
	Data      []byte
}

// Clone returns a deep copy of the meta-transaction.
func (m *MetaTransaction) Clone() *MetaTransaction {
	if m == nil {
		return nil
	}
	clone := *m
	clone.TxRecord = *m.TxRecord.Clone()
	clone.Params = m.Params.Clone()
	clone.Signature = append([]byte(nil), m.Signature...)
	clone.Data = append([]byte(nil), m.Data...)
	return &clone
}
