package workflow

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"guardflow/core/types"
	"guardflow/native/access"
	"guardflow/native/payment"
	"guardflow/native/whitelist"
	"guardflow/observability"
)

// Family is a built-in operation: one protected effect on the hosting
// contract plus a delayed-path and a signed-path handler linked to it.
type Family struct {
	Operation     string
	OperationType [32]byte
	Effect        types.Selector
	Delayed       types.Selector
	Signed        types.Selector
	// Exclusive families allow at most one open request at a time.
	Exclusive bool

	effectSig  string
	delayedSig string
	signedSig  string
}

func newFamily(operation, effect, delayed, signed string, exclusive bool) Family {
	return Family{
		Operation:     operation,
		OperationType: access.OperationTypeOf(operation),
		Effect:        types.SelectorOf(effect),
		Delayed:       types.SelectorOf(delayed),
		Signed:        types.SelectorOf(signed),
		Exclusive:     exclusive,
		effectSig:     effect,
		delayedSig:    delayed,
		signedSig:     signed,
	}
}

var (
	OwnershipTransfer = newFamily("OWNERSHIP_TRANSFER",
		"executeTransferOwnership(address)", "transferOwnershipDelayed(bytes)", "transferOwnershipSigned(bytes)", true)
	BroadcasterUpdate = newFamily("BROADCASTER_UPDATE",
		"executeBroadcasterUpdate(address)", "updateBroadcasterDelayed(bytes)", "updateBroadcasterSigned(bytes)", true)
	RecoveryUpdate = newFamily("RECOVERY_UPDATE",
		"executeRecoveryUpdate(address)", "updateRecoveryDelayed(bytes)", "updateRecoverySigned(bytes)", true)
	TimelockUpdate = newFamily("TIMELOCK_UPDATE",
		"executeTimeLockUpdate(uint256)", "updateTimeLockDelayed(bytes)", "updateTimeLockSigned(bytes)", true)
	RoleConfigBatch = newFamily("ROLE_CONFIG_BATCH",
		"executeRoleConfigBatch(bytes)", "roleConfigBatchDelayed(bytes)", "roleConfigBatchSigned(bytes)", false)
	GuardConfigBatch = newFamily("GUARD_CONFIG_BATCH",
		"executeGuardConfigBatch(bytes)", "guardConfigBatchDelayed(bytes)", "guardConfigBatchSigned(bytes)", false)
	NativeTransfer = newFamily("NATIVE_TRANSFER",
		"__native_transfer__(address,uint256)", "nativeTransferDelayed(bytes)", "nativeTransferSigned(bytes)", false)
)

// Families lists the built-in families in registration order.
func Families() []Family {
	return []Family{
		OwnershipTransfer,
		BroadcasterUpdate,
		RecoveryUpdate,
		TimelockUpdate,
		RoleConfigBatch,
		GuardConfigBatch,
		NativeTransfer,
	}
}

// AddressParams encodes the execution params of the role replacement
// families.
func AddressParams(addr [20]byte) []byte {
	out, _ := rlp.EncodeToBytes(addr)
	return out
}

// TimelockParams encodes the execution params of the timelock family.
func TimelockParams(seconds uint64) []byte {
	out, _ := rlp.EncodeToBytes(seconds)
	return out
}

// registerBuiltins binds the internal handlers and exclusive families. Schemas
// and grants are installed by Initialize.
func (e *Engine) registerBuiltins() {
	e.internal[OwnershipTransfer.Effect] = e.replaceHandler(access.OwnerRole)
	e.internal[BroadcasterUpdate.Effect] = e.replaceHandler(access.BroadcasterRole)
	e.internal[RecoveryUpdate.Effect] = e.replaceHandler(access.RecoveryRole)
	e.internal[TimelockUpdate.Effect] = e.timelockHandler
	e.internal[RoleConfigBatch.Effect] = e.roleBatchHandler
	e.internal[GuardConfigBatch.Effect] = e.guardBatchHandler
	e.internal[NativeTransfer.Effect] = e.nativeTransferHandler
	for _, f := range Families() {
		if f.Exclusive {
			e.exclusive[f.OperationType] = struct{}{}
		}
	}
}

type grant struct {
	role [32]byte
	perm access.FunctionPermission
}

// installBuiltinSchemas registers the family schemas and the default grants:
// the owner requests, approves, cancels and signs every family; the
// broadcaster relays signed requests; the recovery role drives ownership
// transfer on the delayed path.
func installBuiltinSchemas(r *access.Registry) error {
	signedActions := access.SignerActions() | access.RelayerActions()
	ownerActions := access.DelayedActions() | access.SignerActions()
	for _, f := range Families() {
		if _, err := r.RegisterSchema(&access.FunctionSchema{
			Signature:        f.effectSig,
			Selector:         f.Effect,
			OperationName:    f.Operation,
			SupportedActions: access.NewAllActions(),
			Protected:        true,
			LinkedSelectors:  []types.Selector{f.Delayed, f.Signed},
		}); err != nil {
			return err
		}
		if _, err := r.RegisterFunction(f.delayedSig, f.Operation, access.DelayedActions(), true, []types.Selector{f.Effect}); err != nil {
			return err
		}
		if _, err := r.RegisterFunction(f.signedSig, f.Operation, signedActions, true, []types.Selector{f.Effect}); err != nil {
			return err
		}

		grants := []grant{
			{access.OwnerRole, access.FunctionPermission{Selector: f.Effect, GrantedActions: ownerActions}},
			{access.OwnerRole, access.FunctionPermission{Selector: f.Delayed, GrantedActions: access.DelayedActions(), LinkedSelectors: []types.Selector{f.Effect}}},
			{access.OwnerRole, access.FunctionPermission{Selector: f.Signed, GrantedActions: access.SignerActions(), LinkedSelectors: []types.Selector{f.Effect}}},
			{access.BroadcasterRole, access.FunctionPermission{Selector: f.Effect, GrantedActions: access.RelayerActions()}},
			{access.BroadcasterRole, access.FunctionPermission{Selector: f.Signed, GrantedActions: access.RelayerActions(), LinkedSelectors: []types.Selector{f.Effect}}},
		}
		if f.Operation == OwnershipTransfer.Operation {
			grants = append(grants,
				grant{access.RecoveryRole, access.FunctionPermission{Selector: f.Effect, GrantedActions: access.DelayedActions()}},
				grant{access.RecoveryRole, access.FunctionPermission{Selector: f.Delayed, GrantedActions: access.DelayedActions(), LinkedSelectors: []types.Selector{f.Effect}}},
			)
		}
		for _, g := range grants {
			if err := r.AddFunctionToRole(g.role, g.perm); err != nil {
				return fmt.Errorf("workflow: grant %s: %w", f.Operation, err)
			}
		}
	}
	return nil
}

// staged wraps an infallible state swap as a commit.
func staged(apply func()) func() error {
	return func() error {
		apply()
		return nil
	}
}

// replaceHandler swaps the single holder of a protected role.
func (e *Engine) replaceHandler(role [32]byte) InternalHandler {
	return func(_ context.Context, call Call) ([]byte, func() error, error) {
		var next [20]byte
		if err := rlp.DecodeBytes(call.Params, &next); err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		current, ok := e.registry.Holder(role)
		if !ok {
			return nil, nil, access.ErrRoleNotFound
		}
		working := e.registry.Clone()
		if err := working.ReplaceMember(role, current, next); err != nil {
			return nil, nil, err
		}
		return current[:], staged(func() { e.registry = working }), nil
	}
}

func (e *Engine) timelockHandler(_ context.Context, call Call) ([]byte, func() error, error) {
	var seconds uint64
	if err := rlp.DecodeBytes(call.Params, &seconds); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if seconds == 0 {
		return nil, nil, ErrInvalidCooldown
	}
	previous := e.cooldown
	return TimelockParams(uint64(previous)), staged(func() { e.cooldown = int64(seconds) }), nil
}

func (e *Engine) roleBatchHandler(_ context.Context, call Call) ([]byte, func() error, error) {
	actions, err := access.DecodeBatch(call.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	working := e.registry.Clone()
	if err := working.ApplyBatch(actions); err != nil {
		return nil, nil, err
	}
	return nil, staged(func() { e.registry = working }), nil
}

func (e *Engine) guardBatchHandler(_ context.Context, call Call) ([]byte, func() error, error) {
	actions, err := whitelist.DecodeBatch(call.Params)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	working := e.guard.Clone()
	if err := working.ApplyBatch(actions); err != nil {
		return nil, nil, err
	}
	return nil, staged(func() { e.guard = working }), nil
}

// nativeTransferHandler moves call.Value from the hosting contract to the
// recipient in the params. The transfer itself is the commit.
func (e *Engine) nativeTransferHandler(_ context.Context, call Call) ([]byte, func() error, error) {
	var recipient [20]byte
	if err := rlp.DecodeBytes(call.Params, &recipient); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	amount := call.Value
	if amount == nil {
		amount = new(big.Int)
	}
	details := &types.PaymentDetails{Recipient: recipient, NativeAmount: amount}
	if err := payment.Validate(details); err != nil {
		return nil, nil, err
	}
	if err := e.payments.Precheck(details); err != nil {
		return nil, nil, err
	}
	payments := e.payments
	return nil, func() error {
		err := payments.TransferNative(recipient, amount)
		observability.Settlements().RecordSettlement("native", err == nil)
		return err
	}, nil
}
