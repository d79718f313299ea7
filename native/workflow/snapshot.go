package workflow

import (
	"fmt"
	"log/slog"
	"sort"

	"guardflow/core/types"
	"guardflow/native/access"
	"guardflow/native/whitelist"
)

// SnapshotVersion identifies the layout of Snapshot.
const SnapshotVersion uint64 = 1

// SnapshotKey is the key the engine state is stored under.
var SnapshotKey = []byte("workflow/engine-state")

// Persister stores RLP encodable values, typically core/state.Store.
type Persister interface {
	KVPut(key []byte, value interface{}) error
	KVGet(key []byte, out interface{}) (bool, error)
}

// TxState is the persisted form of a record. Times are stored unsigned.
type TxState struct {
	ID          uint64
	ReleaseTime uint64
	CreatedAt   uint64
	Status      uint8
	Params      types.TxParams
	Message     [32]byte
	Result      []byte
	Payment     *types.PaymentDetails `rlp:"nil"`
}

// NonceState is one entry of the signer nonce table.
type NonceState struct {
	Signer [20]byte
	Nonce  uint64
}

// HookState records which hook ids were bound to a selector. Hook
// implementations are code and must be rebound with SetHook after a restart.
type HookState struct {
	Selector types.Selector
	IDs      [][20]byte
}

// Snapshot is the full engine state. The executor, the ledger and the
// observer are runtime wiring and are not part of it.
type Snapshot struct {
	Version      uint64
	Initialized  bool
	NextID       uint64
	Cooldown     uint64
	Registry     access.State
	Whitelist    whitelist.State
	Transactions []TxState
	Nonces       []NonceState
	Hooks        []HookState `rlp:"optional"`
}

// Snapshot captures the engine state.
func (e *Engine) Snapshot() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() *Snapshot {
	snap := &Snapshot{
		Version:     SnapshotVersion,
		Initialized: e.initialized,
		NextID:      e.nextID,
		Cooldown:    uint64(e.cooldown),
		Registry:    e.registry.Export(),
		Whitelist:   e.guard.Export(),
	}
	ids := make([]uint64, 0, len(e.txs))
	for id := range e.txs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		rec := e.txs[id].Clone()
		snap.Transactions = append(snap.Transactions, TxState{
			ID:          rec.ID,
			ReleaseTime: uint64(rec.ReleaseTime),
			CreatedAt:   uint64(rec.CreatedAt),
			Status:      uint8(rec.Status),
			Params:      rec.Params,
			Message:     rec.Message,
			Result:      rec.Result,
			Payment:     rec.Payment,
		})
	}
	nonces := e.verifier.Nonces()
	for signer, n := range nonces {
		snap.Nonces = append(snap.Nonces, NonceState{Signer: signer, Nonce: n})
	}
	sort.Slice(snap.Nonces, func(i, j int) bool {
		return string(snap.Nonces[i].Signer[:]) < string(snap.Nonces[j].Signer[:])
	})
	snap.Hooks = e.hookStatesLocked()
	return snap
}

// hookStatesLocked merges the live bindings with those restored but not yet
// rebound, so an unbound hook is not forgotten by the next write.
func (e *Engine) hookStatesLocked() []HookState {
	merged := e.hooks.Bindings()
	for sel, ids := range e.expectedHooks {
		for _, id := range ids {
			if !containsID(merged[sel], id) {
				merged[sel] = append(merged[sel], id)
			}
		}
	}
	if len(merged) == 0 {
		return nil
	}
	out := make([]HookState, 0, len(merged))
	for sel, ids := range merged {
		out = append(out, HookState{Selector: sel, IDs: ids})
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Selector[:]) < string(out[j].Selector[:])
	})
	return out
}

// UnboundHooks lists hooks present in the restored state that have not been
// registered again since.
func (e *Engine) UnboundHooks() []HookState {
	e.mu.Lock()
	defer e.mu.Unlock()
	live := e.hooks.Bindings()
	var out []HookState
	for _, state := range e.hookStatesLocked() {
		var missing [][20]byte
		for _, id := range state.IDs {
			if !containsID(live[state.Selector], id) {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			out = append(out, HookState{Selector: state.Selector, IDs: missing})
		}
	}
	return out
}

func containsID(ids [][20]byte, id [20]byte) bool {
	for _, have := range ids {
		if have == id {
			return true
		}
	}
	return false
}

// Restore replaces the engine state with a snapshot. The pending set and open
// exclusive families are rebuilt from the records.
func (e *Engine) Restore(snap *Snapshot) error {
	if snap == nil {
		return ErrInvalidParams
	}
	if snap.Version != SnapshotVersion {
		return fmt.Errorf("%w: %d", ErrSnapshotVersion, snap.Version)
	}
	registry, err := access.Import(snap.Registry)
	if err != nil {
		return fmt.Errorf("workflow: restore registry: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.executing) > 0 {
		return ErrReentrantCall
	}
	guard, err := whitelist.Import(e.self, snap.Whitelist)
	if err != nil {
		return fmt.Errorf("workflow: restore whitelist: %w", err)
	}
	txs := make(map[uint64]*types.TxRecord, len(snap.Transactions))
	pending := make(map[uint64]struct{})
	open := make(map[[32]byte]uint64)
	for _, ts := range snap.Transactions {
		status := types.TxStatus(ts.Status)
		if ts.ID == 0 || ts.ID >= snap.NextID || !status.Valid() || status == types.TxUndefined {
			return fmt.Errorf("%w: record %d", ErrInvalidParams, ts.ID)
		}
		if _, dup := txs[ts.ID]; dup {
			return fmt.Errorf("%w: duplicate record %d", ErrInvalidParams, ts.ID)
		}
		rec := &types.TxRecord{
			ID:          ts.ID,
			ReleaseTime: int64(ts.ReleaseTime),
			CreatedAt:   int64(ts.CreatedAt),
			Status:      status,
			Params:      ts.Params.Clone(),
			Message:     ts.Message,
			Result:      append([]byte(nil), ts.Result...),
		}
		if !ts.Payment.IsZero() {
			rec.Payment = ts.Payment.Clone()
		}
		txs[rec.ID] = rec
		if status == types.TxPending {
			pending[rec.ID] = struct{}{}
			if _, ok := e.exclusive[rec.Params.OperationType]; ok {
				open[rec.Params.OperationType] = rec.ID
			}
		}
	}
	table := make(map[[20]byte]uint64, len(snap.Nonces))
	for _, n := range snap.Nonces {
		table[n.Signer] = n.Nonce
	}
	expected := make(map[types.Selector][][20]byte, len(snap.Hooks))
	for _, h := range snap.Hooks {
		expected[h.Selector] = append([][20]byte(nil), h.IDs...)
	}

	e.registry = registry
	e.guard = guard
	e.txs = txs
	e.pending = pending
	e.open = open
	e.nextID = snap.NextID
	if e.nextID == 0 {
		e.nextID = 1
	}
	e.cooldown = int64(snap.Cooldown)
	e.initialized = snap.Initialized
	e.expectedHooks = expected
	e.verifier.RestoreNonces(table)
	return nil
}

// Load restores the engine from its persister. It reports false when no
// snapshot has been stored yet.
func (e *Engine) Load() (bool, error) {
	e.mu.Lock()
	p := e.persister
	e.mu.Unlock()
	if p == nil {
		return false, nil
	}
	var snap Snapshot
	ok, err := p.KVGet(SnapshotKey, &snap)
	if err != nil || !ok {
		return false, err
	}
	if err := e.Restore(&snap); err != nil {
		return false, err
	}
	for _, h := range e.UnboundHooks() {
		for _, id := range h.IDs {
			e.log().Warn("hook not bound since restore",
				slog.String("selector", h.Selector.String()),
				slog.String("hook", fmt.Sprintf("0x%x", id)))
		}
	}
	return true, nil
}

// persistLocked writes the current snapshot. The snapshot is written whole,
// so a failed write is repaired by the next successful one.
func (e *Engine) persistLocked() {
	if e.persister == nil {
		return
	}
	if err := e.persister.KVPut(SnapshotKey, e.snapshotLocked()); err != nil {
		e.log().Error("persist engine state", slog.Any("error", err))
	}
}
