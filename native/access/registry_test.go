package access

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardflow/core/types"
)

func addr(fill byte) [20]byte {
	var a [20]byte
	copy(a[:], bytes.Repeat([]byte{fill}, 20))
	return a
}

func newInitializedRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.InitProtectedRoles(addr(0x01), addr(0x02), addr(0x03)))
	return reg
}

func TestProtectedRolesInitializedOnce(t *testing.T) {
	reg := newInitializedRegistry(t)

	for _, hash := range [][32]byte{OwnerRole, BroadcasterRole, RecoveryRole} {
		role, ok := reg.Role(hash)
		require.True(t, ok)
		assert.True(t, role.Protected)
		assert.Equal(t, uint32(1), role.WalletLimit)
		assert.Equal(t, uint32(1), role.MemberCount)
	}
	assert.ErrorIs(t, reg.InitProtectedRoles(addr(0x04), addr(0x05), addr(0x06)), ErrAlreadyInitialized)
	assert.ErrorIs(t, NewRegistry().InitProtectedRoles(addr(0x01), [20]byte{}, addr(0x03)), ErrZeroAddress)
}

func TestCreateRoleValidation(t *testing.T) {
	reg := newInitializedRegistry(t)

	_, err := reg.CreateRole("   ", 1)
	assert.ErrorIs(t, err, ErrEmptyRoleName)
	_, err = reg.CreateRole("OPS", 0)
	assert.ErrorIs(t, err, ErrInvalidWalletLimit)
	_, err = reg.CreateRole(OwnerRoleName, 3)
	assert.ErrorIs(t, err, ErrProtectedRole)

	hash, err := reg.CreateRole("OPS", 2)
	require.NoError(t, err)
	assert.Equal(t, RoleHash("OPS"), hash)
	_, err = reg.CreateRole("OPS", 2)
	assert.ErrorIs(t, err, ErrRoleExists)
}

func TestRoleCapacityEnforced(t *testing.T) {
	reg := newInitializedRegistry(t)
	ops, err := reg.CreateRole("OPS", 2)
	require.NoError(t, err)

	require.NoError(t, reg.AddMember(ops, addr(0x10)))
	require.NoError(t, reg.AddMember(ops, addr(0x11)))
	err = reg.AddMember(ops, addr(0x12))
	require.ErrorIs(t, err, ErrRoleCapacity)

	role, _ := reg.Role(ops)
	assert.Equal(t, uint32(2), role.MemberCount)
	assert.False(t, reg.HasRole(ops, addr(0x12)))
	assert.ErrorIs(t, reg.AddMember(ops, addr(0x10)), ErrAlreadyMember)
}

func TestProtectedRoleMembershipReplaceOnly(t *testing.T) {
	reg := newInitializedRegistry(t)

	assert.ErrorIs(t, reg.AddMember(OwnerRole, addr(0x20)), ErrProtectedRole)
	assert.ErrorIs(t, reg.RemoveMember(OwnerRole, addr(0x01)), ErrProtectedRole)
	assert.ErrorIs(t, reg.RemoveRole(RecoveryRole), ErrProtectedRole)

	require.NoError(t, reg.ReplaceMember(OwnerRole, addr(0x01), addr(0x20)))
	holder, ok := reg.Holder(OwnerRole)
	require.True(t, ok)
	assert.Equal(t, addr(0x20), holder)
	assert.False(t, reg.HasRole(OwnerRole, addr(0x01)))
	assert.ErrorIs(t, reg.ReplaceMember(OwnerRole, addr(0x01), addr(0x21)), ErrNotMember)
}

func TestRemoveMemberKeepsIndexConsistent(t *testing.T) {
	reg := newInitializedRegistry(t)
	ops, err := reg.CreateRole("OPS", 3)
	require.NoError(t, err)
	for _, fill := range []byte{0x30, 0x31, 0x32} {
		require.NoError(t, reg.AddMember(ops, addr(fill)))
	}
	require.NoError(t, reg.RemoveMember(ops, addr(0x30)))
	assert.True(t, reg.HasRole(ops, addr(0x31)))
	assert.True(t, reg.HasRole(ops, addr(0x32)))
	require.NoError(t, reg.RemoveMember(ops, addr(0x32)))
	role, _ := reg.Role(ops)
	assert.Equal(t, [][20]byte{addr(0x31)}, role.Members)
	assert.ErrorIs(t, reg.RemoveMember(ops, addr(0x32)), ErrNotMember)
}

func TestRegisterFunctionValidation(t *testing.T) {
	reg := newInitializedRegistry(t)
	all := NewAllActions()

	sel, err := reg.RegisterFunction("transfer(address,uint256)", "TOKEN_TRANSFER", all, false, nil)
	require.NoError(t, err)
	assert.Equal(t, types.SelectorOf("transfer(address,uint256)"), sel)
	schema, ok := reg.Schema(sel)
	require.True(t, ok)
	assert.Equal(t, OperationTypeOf("TOKEN_TRANSFER"), schema.OperationType)

	_, err = reg.RegisterFunction("transfer(address,uint256)", "TOKEN_TRANSFER", all, false, nil)
	assert.ErrorIs(t, err, ErrFunctionExists)
	_, err = reg.RegisterFunction("", "X", all, false, nil)
	assert.ErrorIs(t, err, ErrEmptySignature)
	_, err = reg.RegisterFunction("noop()", " ", all, false, nil)
	assert.ErrorIs(t, err, ErrEmptyOperationName)
	_, err = reg.RegisterSchema(&FunctionSchema{OperationName: "X", SupportedActions: all})
	assert.ErrorIs(t, err, ErrZeroSelector)
}

func TestUnregisterProtectedFunctionFails(t *testing.T) {
	reg := newInitializedRegistry(t)
	sel, err := reg.RegisterFunction("executeTransferOwnership(address)", "OWNERSHIP_TRANSFER", NewAllActions(), true, nil)
	require.NoError(t, err)

	err = reg.UnregisterFunction(sel, false)
	require.ErrorIs(t, err, ErrProtectedFunction)
	_, ok := reg.Schema(sel)
	assert.True(t, ok)
}

func TestUnregisterSafeModeRejectsReferencedSelector(t *testing.T) {
	reg := newInitializedRegistry(t)
	ops, err := reg.CreateRole("OPS", 1)
	require.NoError(t, err)
	sel, err := reg.RegisterFunction("pause()", "PAUSE", NewAllActions(), false, nil)
	require.NoError(t, err)
	require.NoError(t, reg.AddFunctionToRole(ops, FunctionPermission{Selector: sel, GrantedActions: types.NewActionSet(types.ActionDelayedRequest)}))

	require.ErrorIs(t, reg.UnregisterFunction(sel, true), ErrFunctionInUse)
	require.NoError(t, reg.UnregisterFunction(sel, false))
	perms, err := reg.PermissionsForRole(ops)
	require.NoError(t, err)
	assert.Empty(t, perms)
}

func TestAddFunctionToRoleValidatesActionsAndLinks(t *testing.T) {
	reg := newInitializedRegistry(t)
	ops, err := reg.CreateRole("OPS", 1)
	require.NoError(t, err)
	effect, err := reg.RegisterFunction("mint(address,uint256)", "MINT", types.NewActionSet(types.ActionDelayedRequest), false, nil)
	require.NoError(t, err)
	other := types.SelectorOf("burn(uint256)")

	err = reg.AddFunctionToRole(ops, FunctionPermission{Selector: effect, GrantedActions: types.NewActionSet(types.ActionDelayedApprove)})
	assert.ErrorIs(t, err, ErrUnsupportedAction)
	err = reg.AddFunctionToRole(ops, FunctionPermission{Selector: effect, GrantedActions: types.NewActionSet(types.ActionDelayedRequest), LinkedSelectors: []types.Selector{other}})
	assert.ErrorIs(t, err, ErrLinkNotDeclared)
	err = reg.AddFunctionToRole(ops, FunctionPermission{Selector: other, GrantedActions: types.NewActionSet(types.ActionDelayedRequest)})
	assert.ErrorIs(t, err, ErrFunctionNotFound)
	require.NoError(t, reg.AddFunctionToRole(ops, FunctionPermission{Selector: effect, GrantedActions: types.NewActionSet(types.ActionDelayedRequest)}))
	assert.ErrorIs(t, reg.AddFunctionToRole(ops, FunctionPermission{Selector: effect, GrantedActions: types.NewActionSet(types.ActionDelayedRequest)}), ErrPermissionExists)
	require.NoError(t, reg.RemoveFunctionFromRole(ops, effect))
	assert.ErrorIs(t, reg.RemoveFunctionFromRole(ops, effect), ErrPermissionNotFound)
}

func TestHasAnyRole(t *testing.T) {
	reg := newInitializedRegistry(t)
	assert.True(t, reg.HasAnyRole(addr(0x02)))
	assert.False(t, reg.HasAnyRole(addr(0x99)))
	assert.ErrorIs(t, reg.RequireAnyRole(addr(0x99)), ErrNoRole)
	assert.Equal(t, [][32]byte{BroadcasterRole}, reg.RolesOf(addr(0x02)))
}

func TestApplyBatchIsAllOrNothing(t *testing.T) {
	reg := newInitializedRegistry(t)
	ops := RoleHash("OPS")

	batch := []ConfigAction{
		CreateRoleAction("OPS", 1),
		AddWalletAction(ops, addr(0x40)),
		AddWalletAction(ops, addr(0x41)),
	}
	err := reg.ApplyBatch(batch)
	require.ErrorIs(t, err, ErrRoleCapacity)
	_, exists := reg.Role(ops)
	assert.False(t, exists, "failed batch must not leave partial state")

	require.NoError(t, reg.ApplyBatch(batch[:2]))
	assert.True(t, reg.HasRole(ops, addr(0x40)))
}

func TestApplyBatchRoundTripsThroughEncoding(t *testing.T) {
	reg := newInitializedRegistry(t)
	ops := RoleHash("OPS")
	effect := types.SelectorOf("rebalance(uint256)")
	batch := []ConfigAction{
		CreateRoleAction("OPS", 2),
		RegisterFunctionAction("rebalance(uint256)", "REBALANCE", NewAllActions(), false, nil),
		AddFunctionToRoleAction(ops, FunctionPermission{Selector: effect, GrantedActions: types.NewActionSet(types.ActionDelayedRequest, types.ActionDelayedApprove)}),
		AddWalletAction(ops, addr(0x50)),
	}
	encoded, err := EncodeBatch(batch)
	require.NoError(t, err)
	decoded, err := DecodeBatch(encoded)
	require.NoError(t, err)
	require.NoError(t, reg.ApplyBatch(decoded))

	assert.True(t, reg.HasActionPermission(addr(0x50), effect, types.ActionDelayedApprove))
	assert.False(t, reg.HasActionPermission(addr(0x50), effect, types.ActionDelayedCancel))
}

func TestApplyBatchSizeLimit(t *testing.T) {
	reg := newInitializedRegistry(t)
	batch := make([]ConfigAction, MaxBatchSize+1)
	for i := range batch {
		batch[i] = RemoveRoleAction(RoleHash("missing"))
	}
	assert.ErrorIs(t, reg.ApplyBatch(batch), ErrBatchSizeExceeded)
	assert.True(t, errors.Is(reg.ApplyBatch([]ConfigAction{{Kind: 99}}), ErrUnknownConfigAction))
}
