package types

import (
	"fmt"
	"strings"
)

// Action enumerates the authorization actions a role may hold on a selector.
// The three paths (delayed, signed by a signer, executed by a relayer) each
// expose request, approve and cancel variants.
type Action uint8

const (
	ActionDelayedRequest Action = iota
	ActionDelayedApprove
	ActionDelayedCancel
	ActionSignRequestAndApprove
	ActionSignApprove
	ActionSignCancel
	ActionExecuteRequestAndApprove
	ActionExecuteApprove
	ActionExecuteCancel
)

// ActionCount is the number of defined actions.
const ActionCount = 9

var actionNames = [ActionCount]string{
	"delayed_request",
	"delayed_approve",
	"delayed_cancel",
	"sign_request_and_approve",
	"sign_approve",
	"sign_cancel",
	"execute_request_and_approve",
	"execute_approve",
	"execute_cancel",
}

// Valid reports whether the action is one of the defined values.
func (a Action) Valid() bool { return a < ActionCount }

func (a Action) String() string {
	if !a.Valid() {
		return fmt.Sprintf("action(%d)", uint8(a))
	}
	return actionNames[a]
}

// ParseAction resolves the canonical action name.
func ParseAction(name string) (Action, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range actionNames {
		if candidate == normalized {
			return Action(i), nil
		}
	}
	return 0, fmt.Errorf("unknown action %q", name)
}

// ActionSet is a bitmap of actions. Bit i is set when Action(i) is present.
type ActionSet uint16

const actionSetMask = ActionSet(1<<ActionCount - 1)

// NewActionSet builds a bitmap from the supplied actions. Invalid actions are
// ignored.
func NewActionSet(actions ...Action) ActionSet {
	var set ActionSet
	for _, a := range actions {
		set = set.Add(a)
	}
	return set
}

// Add returns a copy of the set with the action included.
func (s ActionSet) Add(a Action) ActionSet {
	if !a.Valid() {
		return s
	}
	return s | 1<<a
}

// Remove returns a copy of the set with the action cleared.
func (s ActionSet) Remove(a Action) ActionSet {
	if !a.Valid() {
		return s
	}
	return s &^ (1 << a)
}

// Has reports whether the action is present.
func (s ActionSet) Has(a Action) bool {
	return a.Valid() && s&(1<<a) != 0
}

// Empty reports whether no action is set.
func (s ActionSet) Empty() bool { return s&actionSetMask == 0 }

// Valid reports whether the bitmap only uses defined bits.
func (s ActionSet) Valid() bool { return s&^actionSetMask == 0 }

// Contains reports whether every action in other is also present in s.
func (s ActionSet) Contains(other ActionSet) bool { return other&^s == 0 }

// Actions expands the bitmap into its action indices in ascending order.
func (s ActionSet) Actions() []Action {
	out := make([]Action, 0, ActionCount)
	for i := Action(0); i < ActionCount; i++ {
		if s.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

func (s ActionSet) String() string {
	actions := s.Actions()
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.String()
	}
	return "[" + strings.Join(names, ",") + "]"
}
