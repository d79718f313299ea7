package access

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"

	"guardflow/core/types"
)

// MaxBatchSize bounds the number of actions in one configuration batch.
const MaxBatchSize = 64

// ConfigActionKind tags an entry of an RBAC configuration batch.
type ConfigActionKind uint8

const (
	ConfigCreateRole ConfigActionKind = iota + 1
	ConfigRemoveRole
	ConfigAddWallet
	ConfigRevokeWallet
	ConfigRegisterFunction
	ConfigUnregisterFunction
	ConfigAddFunctionToRole
	ConfigRemoveFunctionFromRole
)

func (k ConfigActionKind) String() string {
	switch k {
	case ConfigCreateRole:
		return "create_role"
	case ConfigRemoveRole:
		return "remove_role"
	case ConfigAddWallet:
		return "add_wallet"
	case ConfigRevokeWallet:
		return "revoke_wallet"
	case ConfigRegisterFunction:
		return "register_function"
	case ConfigUnregisterFunction:
		return "unregister_function"
	case ConfigAddFunctionToRole:
		return "add_function_to_role"
	case ConfigRemoveFunctionFromRole:
		return "remove_function_from_role"
	default:
		return fmt.Sprintf("config_action(%d)", uint8(k))
	}
}

// ConfigAction is one tagged, RLP-encoded entry of a batch.
type ConfigAction struct {
	Kind ConfigActionKind
	Data []byte
}

type createRoleArgs struct {
	Name        string
	WalletLimit uint32
}

type roleArgs struct {
	Role [32]byte
}

type walletArgs struct {
	Role   [32]byte
	Wallet [20]byte
}

type registerFunctionArgs struct {
	Signature       string
	OperationName   string
	Supported       uint16
	Protected       bool
	LinkedSelectors []types.Selector
}

type unregisterFunctionArgs struct {
	Selector types.Selector
	Safe     bool
}

type rolePermissionArgs struct {
	Role            [32]byte
	Selector        types.Selector
	Granted         uint16
	LinkedSelectors []types.Selector
}

type roleSelectorArgs struct {
	Role     [32]byte
	Selector types.Selector
}

func encodeAction(kind ConfigActionKind, args interface{}) ConfigAction {
	data, err := rlp.EncodeToBytes(args)
	if err != nil {
		// All argument structs only hold RLP-encodable fields.
		panic(fmt.Sprintf("access: encode %s: %v", kind, err))
	}
	return ConfigAction{Kind: kind, Data: data}
}

// CreateRoleAction encodes a role creation.
func CreateRoleAction(name string, walletLimit uint32) ConfigAction {
	return encodeAction(ConfigCreateRole, createRoleArgs{Name: name, WalletLimit: walletLimit})
}

// RemoveRoleAction encodes a role removal.
func RemoveRoleAction(role [32]byte) ConfigAction {
	return encodeAction(ConfigRemoveRole, roleArgs{Role: role})
}

// AddWalletAction encodes a membership grant.
func AddWalletAction(role [32]byte, wallet [20]byte) ConfigAction {
	return encodeAction(ConfigAddWallet, walletArgs{Role: role, Wallet: wallet})
}

// RevokeWalletAction encodes a membership revocation.
func RevokeWalletAction(role [32]byte, wallet [20]byte) ConfigAction {
	return encodeAction(ConfigRevokeWallet, walletArgs{Role: role, Wallet: wallet})
}

// RegisterFunctionAction encodes a schema registration.
func RegisterFunctionAction(signature, operationName string, supported types.ActionSet, protected bool, linked []types.Selector) ConfigAction {
	return encodeAction(ConfigRegisterFunction, registerFunctionArgs{
		Signature:       signature,
		OperationName:   operationName,
		Supported:       uint16(supported),
		Protected:       protected,
		LinkedSelectors: linked,
	})
}

// UnregisterFunctionAction encodes a schema removal.
func UnregisterFunctionAction(sel types.Selector, safe bool) ConfigAction {
	return encodeAction(ConfigUnregisterFunction, unregisterFunctionArgs{Selector: sel, Safe: safe})
}

// AddFunctionToRoleAction encodes a permission grant.
func AddFunctionToRoleAction(role [32]byte, perm FunctionPermission) ConfigAction {
	return encodeAction(ConfigAddFunctionToRole, rolePermissionArgs{
		Role:            role,
		Selector:        perm.Selector,
		Granted:         uint16(perm.GrantedActions),
		LinkedSelectors: perm.LinkedSelectors,
	})
}

// RemoveFunctionFromRoleAction encodes a permission revocation.
func RemoveFunctionFromRoleAction(role [32]byte, sel types.Selector) ConfigAction {
	return encodeAction(ConfigRemoveFunctionFromRole, roleSelectorArgs{Role: role, Selector: sel})
}

// EncodeBatch serialises a batch for use as execution parameters.
func EncodeBatch(actions []ConfigAction) ([]byte, error) {
	return rlp.EncodeToBytes(actions)
}

// DecodeBatch parses a batch produced by EncodeBatch.
func DecodeBatch(data []byte) ([]ConfigAction, error) {
	var actions []ConfigAction
	if err := rlp.DecodeBytes(data, &actions); err != nil {
		return nil, fmt.Errorf("access: decode batch: %w", err)
	}
	return actions, nil
}

// ApplyBatch executes the actions in order against a copy of the registry and
// commits only when every action succeeds.
func (r *Registry) ApplyBatch(actions []ConfigAction) error {
	if len(actions) > MaxBatchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchSizeExceeded, len(actions), MaxBatchSize)
	}
	working := r.Clone()
	for i, action := range actions {
		if err := working.apply(action); err != nil {
			return fmt.Errorf("access: batch action %d (%s): %w", i, action.Kind, err)
		}
	}
	r.swap(working)
	return nil
}

func (r *Registry) apply(action ConfigAction) error {
	switch action.Kind {
	case ConfigCreateRole:
		var args createRoleArgs
		if err := rlp.DecodeBytes(action.Data, &args); err != nil {
			return err
		}
		_, err := r.CreateRole(args.Name, args.WalletLimit)
		return err
	case ConfigRemoveRole:
		var args roleArgs
		if err := rlp.DecodeBytes(action.Data, &args); err != nil {
			return err
		}
		return r.RemoveRole(args.Role)
	case ConfigAddWallet:
		var args walletArgs
		if err := rlp.DecodeBytes(action.Data, &args); err != nil {
			return err
		}
		return r.AddMember(args.Role, args.Wallet)
	case ConfigRevokeWallet:
		var args walletArgs
		if err := rlp.DecodeBytes(action.Data, &args); err != nil {
			return err
		}
		return r.RemoveMember(args.Role, args.Wallet)
	case ConfigRegisterFunction:
		var args registerFunctionArgs
		if err := rlp.DecodeBytes(action.Data, &args); err != nil {
			return err
		}
		_, err := r.RegisterFunction(args.Signature, args.OperationName, types.ActionSet(args.Supported), args.Protected, args.LinkedSelectors)
		return err
	case ConfigUnregisterFunction:
		var args unregisterFunctionArgs
		if err := rlp.DecodeBytes(action.Data, &args); err != nil {
			return err
		}
		return r.UnregisterFunction(args.Selector, args.Safe)
	case ConfigAddFunctionToRole:
		var args rolePermissionArgs
		if err := rlp.DecodeBytes(action.Data, &args); err != nil {
			return err
		}
		return r.AddFunctionToRole(args.Role, FunctionPermission{
			Selector:        args.Selector,
			GrantedActions:  types.ActionSet(args.Granted),
			LinkedSelectors: args.LinkedSelectors,
		})
	case ConfigRemoveFunctionFromRole:
		var args roleSelectorArgs
		if err := rlp.DecodeBytes(action.Data, &args); err != nil {
			return err
		}
		return r.RemoveFunctionFromRole(args.Role, args.Selector)
	default:
		return fmt.Errorf("%w: %d", ErrUnknownConfigAction, action.Kind)
	}
}
