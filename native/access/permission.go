package access

import (
	"fmt"

	"guardflow/core/types"
)

// HasActionPermission reports whether any role held by the principal grants
// the action on the selector.
func (r *Registry) HasActionPermission(principal [20]byte, sel types.Selector, action types.Action) bool {
	_, ok := r.grantingPermission(principal, sel, action)
	return ok
}

func (r *Registry) grantingPermission(principal [20]byte, sel types.Selector, action types.Action) (*FunctionPermission, bool) {
	if principal == ([20]byte{}) || !action.Valid() {
		return nil, false
	}
	for _, hash := range r.roleOrder {
		if !r.roles[hash].has(principal) {
			continue
		}
		perm, ok := r.perms[hash][sel]
		if ok && perm.GrantedActions.Has(action) {
			return perm, true
		}
	}
	return nil, false
}

// Authorize performs the dual-selector check: the principal must hold the
// action on both the handler and the execution selector, and the handler must
// be linked to the execution selector both in its schema and in the granting
// role permission. A selector may act as its own handler only when its schema
// and the grant list it among its own links.
//
// Authorize never mutates the registry.
func (r *Registry) Authorize(principal [20]byte, handler, execution types.Selector, action types.Action) error {
	if principal == ([20]byte{}) {
		return ErrZeroAddress
	}
	execSchema, ok := r.schemas[execution]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFunctionNotFound, execution)
	}
	if !execSchema.SupportedActions.Has(action) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action, execution)
	}
	handlerSchema, ok := r.schemas[handler]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFunctionNotFound, handler)
	}
	if !handlerSchema.Links(execution) {
		return fmt.Errorf("%w: %s -> %s", ErrHandlerNotLinked, handler, execution)
	}
	if !handlerSchema.SupportedActions.Has(action) {
		return fmt.Errorf("%w: %s on %s", ErrUnsupportedAction, action, handler)
	}
	if _, ok := r.grantingPermission(principal, execution, action); !ok {
		return &PermissionError{Principal: principal, Selector: execution, Action: action}
	}
	if !r.handlerGrantLinks(principal, handler, execution, action) {
		return &PermissionError{Principal: principal, Selector: handler, Action: action}
	}
	return nil
}

func (r *Registry) handlerGrantLinks(principal [20]byte, handler, execution types.Selector, action types.Action) bool {
	for _, hash := range r.roleOrder {
		if !r.roles[hash].has(principal) {
			continue
		}
		perm, ok := r.perms[hash][handler]
		if ok && perm.GrantedActions.Has(action) && perm.links(execution) {
			return true
		}
	}
	return false
}

// RequireAnyRole gates read-only introspection to role holders.
func (r *Registry) RequireAnyRole(principal [20]byte) error {
	if !r.HasAnyRole(principal) {
		return ErrNoRole
	}
	return nil
}
