package workflow

import (
	"fmt"

	"guardflow/core/types"
	"guardflow/native/access"
)

// MaxRange bounds the number of ids GetTransactionRange scans.
const MaxRange = 1000

// The queries below are gated to role holders: records and role tables are
// only visible to principals holding at least one role.

// GetTransaction returns a copy of the record.
func (e *Engine) GetTransaction(caller [20]byte, id uint64) (*types.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return nil, err
	}
	rec, ok := e.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTxNotFound, id)
	}
	return rec.Clone(), nil
}

// GetTransactionRange returns the records with ids in [from, to]. Ids that
// were allocated but never materialised are skipped.
func (e *Engine) GetTransactionRange(caller [20]byte, from, to uint64) ([]*types.TxRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return nil, err
	}
	if from == 0 || to < from {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, from, to)
	}
	if to-from >= MaxRange {
		return nil, fmt.Errorf("%w: more than %d ids", ErrInvalidRange, MaxRange)
	}
	out := make([]*types.TxRecord, 0, to-from+1)
	for id := from; id <= to; id++ {
		if rec, ok := e.txs[id]; ok {
			out = append(out, rec.Clone())
		}
		if id == ^uint64(0) {
			break
		}
	}
	return out, nil
}

// ListPending returns the ids currently PENDING in ascending order.
func (e *Engine) ListPending(caller [20]byte) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return nil, err
	}
	return e.pendingIDs(), nil
}

// GetRole returns a view of the role.
func (e *Engine) GetRole(caller [20]byte, hash [32]byte) (access.Role, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return access.Role{}, err
	}
	role, ok := e.registry.Role(hash)
	if !ok {
		return access.Role{}, access.ErrRoleNotFound
	}
	return role, nil
}

// Roles lists every role.
func (e *Engine) Roles(caller [20]byte) ([]access.Role, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return nil, err
	}
	return e.registry.Roles(), nil
}

// HasRole reports whether wallet holds the role.
func (e *Engine) HasRole(caller [20]byte, hash [32]byte, wallet [20]byte) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return false, err
	}
	if _, ok := e.registry.Role(hash); !ok {
		return false, access.ErrRoleNotFound
	}
	return e.registry.HasRole(hash, wallet), nil
}

// PermissionsForRole lists the function permissions granted to a role.
func (e *Engine) PermissionsForRole(caller [20]byte, hash [32]byte) ([]access.FunctionPermission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return nil, err
	}
	return e.registry.PermissionsForRole(hash)
}

// Schemas lists every registered function schema.
func (e *Engine) Schemas(caller [20]byte) ([]*access.FunctionSchema, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return nil, err
	}
	return e.registry.Schemas(), nil
}

// WhitelistedTargets lists the targets allowed for a selector.
func (e *Engine) WhitelistedTargets(caller [20]byte, sel types.Selector) ([][20]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return nil, err
	}
	return e.guard.Targets(sel), nil
}

// SignerNonce returns the next nonce the signer must use.
func (e *Engine) SignerNonce(caller [20]byte, signer [20]byte) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.registry.RequireAnyRole(caller); err != nil {
		return 0, err
	}
	return e.verifier.Nonce(signer), nil
}

// Initialized reports whether Initialize has run.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// ChainID returns the network identifier signatures are bound to.
func (e *Engine) ChainID() uint64 { return e.chainID }

// Contract returns the hosting contract address.
func (e *Engine) Contract() [20]byte { return e.self }

// DomainSeparator returns the signing domain of this deployment.
func (e *Engine) DomainSeparator() [32]byte { return e.verifier.DomainSeparator() }

// Digest computes the digest a signer must sign for the given record and
// envelope.
func (e *Engine) Digest(record *types.TxRecord, params *types.MetaTxParams, data []byte) [32]byte {
	return e.verifier.Digest(record, params, data)
}

// Cooldown returns the current timelock period in seconds.
func (e *Engine) Cooldown() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cooldown
}
