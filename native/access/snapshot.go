package access

import (
	"fmt"

	"guardflow/core/types"
)

// RoleState is the persisted form of a role.
type RoleState struct {
	Name        string
	WalletLimit uint32
	Protected   bool
	Members     [][20]byte
}

// SchemaState is the persisted form of a function schema.
type SchemaState struct {
	Signature        string
	Selector         types.Selector
	OperationName    string
	SupportedActions uint16
	Protected        bool
	Linked           []types.Selector
}

// GrantState is the persisted form of one role permission.
type GrantState struct {
	Role     [32]byte
	Selector types.Selector
	Actions  uint16
	Linked   []types.Selector
}

// State is the RLP friendly export of the registry.
type State struct {
	Initialized bool
	Roles       []RoleState
	Schemas     []SchemaState
	Grants      []GrantState
}

// Export captures the registry in insertion order.
func (r *Registry) Export() State {
	out := State{Initialized: r.initialized}
	for _, hash := range r.roleOrder {
		rl := r.roles[hash]
		out.Roles = append(out.Roles, RoleState{
			Name:        rl.name,
			WalletLimit: rl.walletLimit,
			Protected:   rl.protected,
			Members:     append([][20]byte(nil), rl.members...),
		})
	}
	for _, sel := range r.schemaOrder {
		s := r.schemas[sel]
		out.Schemas = append(out.Schemas, SchemaState{
			Signature:        s.Signature,
			Selector:         s.Selector,
			OperationName:    s.OperationName,
			SupportedActions: uint16(s.SupportedActions),
			Protected:        s.Protected,
			Linked:           append([]types.Selector(nil), s.LinkedSelectors...),
		})
	}
	for _, hash := range r.roleOrder {
		perms := r.perms[hash]
		for _, sel := range r.schemaOrder {
			perm, ok := perms[sel]
			if !ok {
				continue
			}
			out.Grants = append(out.Grants, GrantState{
				Role:     hash,
				Selector: sel,
				Actions:  uint16(perm.GrantedActions),
				Linked:   append([]types.Selector(nil), perm.LinkedSelectors...),
			})
		}
	}
	return out
}

// Import rebuilds a registry from an export, re-validating every invariant.
func Import(state State) (*Registry, error) {
	r := NewRegistry()
	for _, rs := range state.Roles {
		if rs.Name == "" {
			return nil, ErrEmptyRoleName
		}
		if rs.WalletLimit == 0 || uint32(len(rs.Members)) > rs.WalletLimit {
			return nil, fmt.Errorf("%w: %s", ErrRoleCapacity, rs.Name)
		}
		if rs.Protected != IsProtectedRole(RoleHash(rs.Name)) {
			return nil, fmt.Errorf("%w: %s", ErrProtectedRole, rs.Name)
		}
		if _, exists := r.roles[RoleHash(rs.Name)]; exists {
			return nil, fmt.Errorf("%w: %s", ErrRoleExists, rs.Name)
		}
		rl := newRole(rs.Name, rs.WalletLimit, rs.Protected)
		for _, m := range rs.Members {
			if m == ([20]byte{}) {
				return nil, ErrZeroAddress
			}
			if rl.has(m) {
				return nil, fmt.Errorf("%w: 0x%x", ErrAlreadyMember, m)
			}
			rl.add(m)
		}
		r.insertRole(rl)
	}
	for _, ss := range state.Schemas {
		schema := &FunctionSchema{
			Signature:        ss.Signature,
			Selector:         ss.Selector,
			OperationType:    OperationTypeOf(ss.OperationName),
			OperationName:    ss.OperationName,
			SupportedActions: types.ActionSet(ss.SupportedActions),
			Protected:        ss.Protected,
			LinkedSelectors:  append([]types.Selector(nil), ss.Linked...),
		}
		if _, err := r.RegisterSchema(schema); err != nil {
			return nil, err
		}
	}
	for _, gs := range state.Grants {
		perm := FunctionPermission{
			Selector:        gs.Selector,
			GrantedActions:  types.ActionSet(gs.Actions),
			LinkedSelectors: append([]types.Selector(nil), gs.Linked...),
		}
		if err := r.AddFunctionToRole(gs.Role, perm); err != nil {
			return nil, err
		}
	}
	if state.Initialized {
		for _, hash := range [][32]byte{OwnerRole, BroadcasterRole, RecoveryRole} {
			if _, ok := r.roles[hash]; !ok {
				return nil, fmt.Errorf("%w: protected role missing", ErrRoleNotFound)
			}
		}
	}
	r.initialized = state.Initialized
	return r, nil
}
