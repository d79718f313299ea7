package access

import "guardflow/core/types"

// NewAllActions returns a bitmap holding every defined action.
func NewAllActions() types.ActionSet {
	var set types.ActionSet
	for a := types.Action(0); a < types.ActionCount; a++ {
		set = set.Add(a)
	}
	return set
}

// DelayedActions is the request/approve/cancel set of the delayed path.
func DelayedActions() types.ActionSet {
	return types.NewActionSet(types.ActionDelayedRequest, types.ActionDelayedApprove, types.ActionDelayedCancel)
}

// SignerActions is the set of actions a signer uses on the signed path.
func SignerActions() types.ActionSet {
	return types.NewActionSet(types.ActionSignRequestAndApprove, types.ActionSignApprove, types.ActionSignCancel)
}

// RelayerActions is the set of actions a relayer uses on the signed path.
func RelayerActions() types.ActionSet {
	return types.NewActionSet(types.ActionExecuteRequestAndApprove, types.ActionExecuteApprove, types.ActionExecuteCancel)
}
