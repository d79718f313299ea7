package access

import (
	"fmt"
	"strings"

	"guardflow/core/types"
)

// Registry owns the role table, the function schema table and the per-role
// function permissions. It is not safe for concurrent use; the workflow engine
// serialises access.
type Registry struct {
	roles       map[[32]byte]*role
	roleOrder   [][32]byte
	schemas     map[types.Selector]*FunctionSchema
	schemaOrder []types.Selector
	perms       map[[32]byte]map[types.Selector]*FunctionPermission
	initialized bool
}

// NewRegistry constructs an empty registry. InitProtectedRoles must run before
// the registry is used by the workflow engine.
func NewRegistry() *Registry {
	return &Registry{
		roles:   make(map[[32]byte]*role),
		schemas: make(map[types.Selector]*FunctionSchema),
		perms:   make(map[[32]byte]map[types.Selector]*FunctionPermission),
	}
}

// InitProtectedRoles creates the owner, broadcaster and recovery roles, each
// with a single wallet slot. It can only run once.
func (r *Registry) InitProtectedRoles(owner, broadcaster, recovery [20]byte) error {
	if r.initialized {
		return ErrAlreadyInitialized
	}
	for _, addr := range [][20]byte{owner, broadcaster, recovery} {
		if addr == ([20]byte{}) {
			return ErrZeroAddress
		}
	}
	seed := []struct {
		name   string
		wallet [20]byte
	}{
		{OwnerRoleName, owner},
		{BroadcasterRoleName, broadcaster},
		{RecoveryRoleName, recovery},
	}
	for _, s := range seed {
		rl := newRole(s.name, 1, true)
		rl.add(s.wallet)
		r.insertRole(rl)
	}
	r.initialized = true
	return nil
}

// Initialized reports whether the protected roles exist.
func (r *Registry) Initialized() bool { return r.initialized }

func (r *Registry) insertRole(rl *role) {
	r.roles[rl.hash] = rl
	r.roleOrder = append(r.roleOrder, rl.hash)
	r.perms[rl.hash] = make(map[types.Selector]*FunctionPermission)
}

// CreateRole registers a dynamic, non-protected role.
func (r *Registry) CreateRole(name string, walletLimit uint32) ([32]byte, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return [32]byte{}, ErrEmptyRoleName
	}
	if walletLimit == 0 {
		return [32]byte{}, ErrInvalidWalletLimit
	}
	hash := RoleHash(trimmed)
	if IsProtectedRole(hash) {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrProtectedRole, trimmed)
	}
	if _, ok := r.roles[hash]; ok {
		return [32]byte{}, fmt.Errorf("%w: %s", ErrRoleExists, trimmed)
	}
	r.insertRole(newRole(trimmed, walletLimit, false))
	return hash, nil
}

// RemoveRole deletes a dynamic role together with its permissions.
func (r *Registry) RemoveRole(hash [32]byte) error {
	rl, ok := r.roles[hash]
	if !ok {
		return ErrRoleNotFound
	}
	if rl.protected {
		return ErrProtectedRole
	}
	delete(r.roles, hash)
	delete(r.perms, hash)
	for i, h := range r.roleOrder {
		if h == hash {
			r.roleOrder = append(r.roleOrder[:i], r.roleOrder[i+1:]...)
			break
		}
	}
	return nil
}

// AddMember grants a dynamic role to a wallet, enforcing the wallet limit.
// Protected roles only support ReplaceMember.
func (r *Registry) AddMember(hash [32]byte, wallet [20]byte) error {
	if wallet == ([20]byte{}) {
		return ErrZeroAddress
	}
	rl, ok := r.roles[hash]
	if !ok {
		return ErrRoleNotFound
	}
	if rl.protected {
		return ErrProtectedRole
	}
	if rl.has(wallet) {
		return ErrAlreadyMember
	}
	if uint32(len(rl.members)) >= rl.walletLimit {
		return fmt.Errorf("%w: %s (%d)", ErrRoleCapacity, rl.name, rl.walletLimit)
	}
	rl.add(wallet)
	return nil
}

// RemoveMember revokes a dynamic role from a wallet.
func (r *Registry) RemoveMember(hash [32]byte, wallet [20]byte) error {
	rl, ok := r.roles[hash]
	if !ok {
		return ErrRoleNotFound
	}
	if rl.protected {
		return ErrProtectedRole
	}
	if !rl.has(wallet) {
		return ErrNotMember
	}
	rl.remove(wallet)
	return nil
}

// ReplaceMember swaps a holder of a role for a new wallet in place. This is the
// only membership change allowed on protected roles.
func (r *Registry) ReplaceMember(hash [32]byte, current, next [20]byte) error {
	if next == ([20]byte{}) {
		return ErrZeroAddress
	}
	rl, ok := r.roles[hash]
	if !ok {
		return ErrRoleNotFound
	}
	if !rl.has(current) {
		return ErrNotMember
	}
	if current == next {
		return nil
	}
	if rl.has(next) {
		return ErrAlreadyMember
	}
	idx := rl.index[current]
	rl.members[idx] = next
	delete(rl.index, current)
	rl.index[next] = idx
	return nil
}

// RegisterFunction records a new function schema. The selector is derived from
// the signature and the operation category from the operation name.
func (r *Registry) RegisterFunction(signature, operationName string, supported types.ActionSet, protected bool, linked []types.Selector) (types.Selector, error) {
	sig := strings.TrimSpace(signature)
	if sig == "" {
		return types.Selector{}, ErrEmptySignature
	}
	return r.RegisterSchema(&FunctionSchema{
		Signature:        sig,
		Selector:         types.SelectorOf(sig),
		OperationName:    operationName,
		SupportedActions: supported,
		Protected:        protected,
		LinkedSelectors:  linked,
	})
}

// RegisterSchema records a schema with an explicit selector. The operation
// category is always recomputed from OperationName.
func (r *Registry) RegisterSchema(schema *FunctionSchema) (types.Selector, error) {
	if schema == nil {
		return types.Selector{}, ErrFunctionNotFound
	}
	s := schema.Clone()
	if s.Selector.IsZero() {
		return types.Selector{}, ErrZeroSelector
	}
	if _, ok := r.schemas[s.Selector]; ok {
		return types.Selector{}, fmt.Errorf("%w: %s", ErrFunctionExists, s.Selector)
	}
	s.OperationName = strings.TrimSpace(s.OperationName)
	if s.OperationName == "" {
		return types.Selector{}, ErrEmptyOperationName
	}
	if !s.SupportedActions.Valid() || s.SupportedActions.Empty() {
		return types.Selector{}, ErrInvalidActionSet
	}
	for _, linked := range s.LinkedSelectors {
		if linked.IsZero() {
			return types.Selector{}, ErrZeroSelector
		}
	}
	s.OperationType = OperationTypeOf(s.OperationName)
	r.schemas[s.Selector] = s
	r.schemaOrder = append(r.schemaOrder, s.Selector)
	return s.Selector, nil
}

// UnregisterFunction removes a schema. In safe mode the call fails while any
// role still references the selector; otherwise those references are purged.
func (r *Registry) UnregisterFunction(sel types.Selector, safe bool) error {
	schema, ok := r.schemas[sel]
	if !ok {
		return ErrFunctionNotFound
	}
	if schema.Protected {
		return fmt.Errorf("%w: %s", ErrProtectedFunction, schema.Signature)
	}
	referenced := r.referencingRoles(sel)
	if safe && len(referenced) > 0 {
		return fmt.Errorf("%w: %s", ErrFunctionInUse, sel)
	}
	for _, hash := range referenced {
		perms := r.perms[hash]
		delete(perms, sel)
		for _, perm := range perms {
			perm.LinkedSelectors = dropSelector(perm.LinkedSelectors, sel)
		}
	}
	delete(r.schemas, sel)
	r.schemaOrder = dropSelector(r.schemaOrder, sel)
	return nil
}

func (r *Registry) referencingRoles(sel types.Selector) [][32]byte {
	var out [][32]byte
	for _, hash := range r.roleOrder {
		for permSel, perm := range r.perms[hash] {
			if permSel == sel || perm.links(sel) {
				out = append(out, hash)
				break
			}
		}
	}
	return out
}

// AddFunctionToRole grants a role the actions in perm on perm.Selector. The
// granted actions must be supported by the schema and every linked selector
// must be declared by the schema.
func (r *Registry) AddFunctionToRole(hash [32]byte, perm FunctionPermission) error {
	if _, ok := r.roles[hash]; !ok {
		return ErrRoleNotFound
	}
	schema, ok := r.schemas[perm.Selector]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFunctionNotFound, perm.Selector)
	}
	if !perm.GrantedActions.Valid() || perm.GrantedActions.Empty() {
		return ErrInvalidActionSet
	}
	if !schema.SupportedActions.Contains(perm.GrantedActions) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, perm.GrantedActions, perm.Selector)
	}
	for _, linked := range perm.LinkedSelectors {
		if linked != perm.Selector && !schema.Links(linked) {
			return fmt.Errorf("%w: %s -> %s", ErrLinkNotDeclared, perm.Selector, linked)
		}
	}
	perms := r.perms[hash]
	if _, exists := perms[perm.Selector]; exists {
		return ErrPermissionExists
	}
	perms[perm.Selector] = perm.Clone()
	return nil
}

// RemoveFunctionFromRole revokes every action a role holds on the selector.
func (r *Registry) RemoveFunctionFromRole(hash [32]byte, sel types.Selector) error {
	perms, ok := r.perms[hash]
	if !ok {
		return ErrRoleNotFound
	}
	if _, exists := perms[sel]; !exists {
		return ErrPermissionNotFound
	}
	delete(perms, sel)
	return nil
}

// Role returns a view of the role.
func (r *Registry) Role(hash [32]byte) (Role, bool) {
	rl, ok := r.roles[hash]
	if !ok {
		return Role{}, false
	}
	return rl.info(), true
}

// Roles returns every role in creation order.
func (r *Registry) Roles() []Role {
	out := make([]Role, 0, len(r.roleOrder))
	for _, hash := range r.roleOrder {
		out = append(out, r.roles[hash].info())
	}
	return out
}

// HasRole reports whether the wallet holds the role.
func (r *Registry) HasRole(hash [32]byte, wallet [20]byte) bool {
	rl, ok := r.roles[hash]
	return ok && rl.has(wallet)
}

// HasAnyRole reports whether the wallet holds at least one role.
func (r *Registry) HasAnyRole(wallet [20]byte) bool {
	for _, hash := range r.roleOrder {
		if r.roles[hash].has(wallet) {
			return true
		}
	}
	return false
}

// RolesOf lists the roles held by a wallet.
func (r *Registry) RolesOf(wallet [20]byte) [][32]byte {
	var out [][32]byte
	for _, hash := range r.roleOrder {
		if r.roles[hash].has(wallet) {
			out = append(out, hash)
		}
	}
	return out
}

// Holder returns the first member of a role. Protected roles have exactly one.
func (r *Registry) Holder(hash [32]byte) ([20]byte, bool) {
	rl, ok := r.roles[hash]
	if !ok || len(rl.members) == 0 {
		return [20]byte{}, false
	}
	return rl.members[0], true
}

// Schema returns a copy of the schema registered for the selector.
func (r *Registry) Schema(sel types.Selector) (*FunctionSchema, bool) {
	s, ok := r.schemas[sel]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// Schemas returns every schema in registration order.
func (r *Registry) Schemas() []*FunctionSchema {
	out := make([]*FunctionSchema, 0, len(r.schemaOrder))
	for _, sel := range r.schemaOrder {
		out = append(out, r.schemas[sel].Clone())
	}
	return out
}

// PermissionsForRole returns the function permissions held by a role sorted by
// schema registration order.
func (r *Registry) PermissionsForRole(hash [32]byte) ([]FunctionPermission, error) {
	perms, ok := r.perms[hash]
	if !ok {
		return nil, ErrRoleNotFound
	}
	out := make([]FunctionPermission, 0, len(perms))
	for _, sel := range r.schemaOrder {
		if perm, ok := perms[sel]; ok {
			out = append(out, *perm.Clone())
		}
	}
	return out, nil
}

// Clone returns a deep copy used for all-or-nothing batches.
func (r *Registry) Clone() *Registry {
	out := &Registry{
		roles:       make(map[[32]byte]*role, len(r.roles)),
		roleOrder:   append([][32]byte(nil), r.roleOrder...),
		schemas:     make(map[types.Selector]*FunctionSchema, len(r.schemas)),
		schemaOrder: append([]types.Selector(nil), r.schemaOrder...),
		perms:       make(map[[32]byte]map[types.Selector]*FunctionPermission, len(r.perms)),
		initialized: r.initialized,
	}
	for hash, rl := range r.roles {
		out.roles[hash] = rl.clone()
	}
	for sel, s := range r.schemas {
		out.schemas[sel] = s.Clone()
	}
	for hash, perms := range r.perms {
		copied := make(map[types.Selector]*FunctionPermission, len(perms))
		for sel, perm := range perms {
			copied[sel] = perm.Clone()
		}
		out.perms[hash] = copied
	}
	return out
}

func (r *Registry) swap(other *Registry) {
	*r = *other
}

func dropSelector(list []types.Selector, sel types.Selector) []types.Selector {
	out := list[:0]
	for _, candidate := range list {
		if candidate != sel {
			out = append(out, candidate)
		}
	}
	return out
}
