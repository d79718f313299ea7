package access

import (
	"errors"
	"fmt"

	"guardflow/core/types"
)

var (
	ErrZeroAddress         = errors.New("access: zero address")
	ErrEmptyRoleName       = errors.New("access: role name required")
	ErrInvalidWalletLimit  = errors.New("access: wallet limit must be positive")
	ErrRoleExists          = errors.New("access: role already exists")
	ErrRoleNotFound        = errors.New("access: role not found")
	ErrProtectedRole       = errors.New("access: protected role cannot be modified")
	ErrRoleCapacity        = errors.New("access: role wallet limit reached")
	ErrAlreadyMember       = errors.New("access: wallet already holds role")
	ErrNotMember           = errors.New("access: wallet does not hold role")
	ErrAlreadyInitialized  = errors.New("access: protected roles already initialized")
	ErrNotInitialized      = errors.New("access: protected roles not initialized")
	ErrZeroSelector        = errors.New("access: selector must not be zero")
	ErrFunctionExists      = errors.New("access: function already registered")
	ErrFunctionNotFound    = errors.New("access: function not registered")
	ErrProtectedFunction   = errors.New("access: protected function cannot be unregistered")
	ErrFunctionInUse       = errors.New("access: function still referenced by a role")
	ErrEmptySignature      = errors.New("access: function signature required")
	ErrEmptyOperationName  = errors.New("access: operation name required")
	ErrUnsupportedAction   = errors.New("access: action not supported by function")
	ErrInvalidActionSet    = errors.New("access: invalid action bitmap")
	ErrLinkNotDeclared     = errors.New("access: linked selector not declared by function schema")
	ErrPermissionExists    = errors.New("access: role already holds function permission")
	ErrPermissionNotFound  = errors.New("access: role does not hold function permission")
	ErrHandlerNotLinked    = errors.New("access: handler selector is not linked to execution selector")
	ErrNoPermission        = errors.New("access: missing permission")
	ErrNoRole              = errors.New("access: caller holds no role")
	ErrBatchSizeExceeded   = errors.New("access: batch size exceeded")
	ErrUnknownConfigAction = errors.New("access: unknown config action")
)

// PermissionError reports the (principal, selector, action) triple that failed
// authorization.
type PermissionError struct {
	Principal [20]byte
	Selector  types.Selector
	Action    types.Action
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("access: 0x%x lacks %s on %s", e.Principal, e.Action, e.Selector)
}

// Unwrap lets errors.Is match ErrNoPermission.
func (e *PermissionError) Unwrap() error { return ErrNoPermission }
