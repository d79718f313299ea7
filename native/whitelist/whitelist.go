package whitelist

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/rlp"

	"guardflow/core/types"
)

var (
	ErrZeroAddress         = errors.New("whitelist: zero address")
	ErrZeroSelector        = errors.New("whitelist: selector must not be zero")
	ErrAlreadyWhitelisted  = errors.New("whitelist: target already whitelisted")
	ErrNotWhitelisted      = errors.New("whitelist: target not whitelisted")
	ErrInternalCall        = errors.New("whitelist: hosting contract target requires an internal or macro selector")
	ErrBatchSizeExceeded   = errors.New("whitelist: batch size exceeded")
	ErrUnknownGuardAction  = errors.New("whitelist: unknown guard action")
	ErrMacroSelectorExists = errors.New("whitelist: macro selector already declared")
)

// NativeTransferSelector is the macro selector of a bare value transfer. It is
// the only selector reachable on the hosting contract without an internal
// handler.
var NativeTransferSelector = types.SelectorOf("__native_transfer__(address,uint256)")

// MaxBatchSize bounds the number of actions in one guard configuration batch.
const MaxBatchSize = 64

// Registry holds the per-selector allow-list of external targets. An empty
// list denies every target.
type Registry struct {
	self    [20]byte
	targets map[types.Selector][][20]byte
	macros  map[types.Selector]struct{}
}

// NewRegistry constructs a whitelist bound to the hosting contract address.
func NewRegistry(self [20]byte) *Registry {
	return &Registry{
		self:    self,
		targets: make(map[types.Selector][][20]byte),
		macros:  map[types.Selector]struct{}{NativeTransferSelector: {}},
	}
}

// Self returns the hosting contract address.
func (r *Registry) Self() [20]byte { return r.self }

// Add allows target to be invoked through selector.
func (r *Registry) Add(sel types.Selector, target [20]byte) error {
	if sel.IsZero() {
		return ErrZeroSelector
	}
	if target == ([20]byte{}) {
		return ErrZeroAddress
	}
	if r.IsAllowed(sel, target) {
		return fmt.Errorf("%w: 0x%x for %s", ErrAlreadyWhitelisted, target, sel)
	}
	r.targets[sel] = append(r.targets[sel], target)
	return nil
}

// Remove revokes target for selector.
func (r *Registry) Remove(sel types.Selector, target [20]byte) error {
	list := r.targets[sel]
	for i, candidate := range list {
		if candidate == target {
			list = append(list[:i], list[i+1:]...)
			if len(list) == 0 {
				delete(r.targets, sel)
			} else {
				r.targets[sel] = list
			}
			return nil
		}
	}
	return fmt.Errorf("%w: 0x%x for %s", ErrNotWhitelisted, target, sel)
}

// IsAllowed reports whether target is on the selector's list.
func (r *Registry) IsAllowed(sel types.Selector, target [20]byte) bool {
	for _, candidate := range r.targets[sel] {
		if candidate == target {
			return true
		}
	}
	return false
}

// Targets returns a copy of the selector's allow-list.
func (r *Registry) Targets(sel types.Selector) [][20]byte {
	return append([][20]byte(nil), r.targets[sel]...)
}

// Selectors lists every selector with at least one whitelisted target.
func (r *Registry) Selectors() []types.Selector {
	out := make([]types.Selector, 0, len(r.targets))
	for sel := range r.targets {
		out = append(out, sel)
	}
	return out
}

// DeclareMacro marks a selector as externally reachable on the hosting
// contract itself.
func (r *Registry) DeclareMacro(sel types.Selector) error {
	if sel.IsZero() {
		return ErrZeroSelector
	}
	if _, ok := r.macros[sel]; ok {
		return ErrMacroSelectorExists
	}
	r.macros[sel] = struct{}{}
	return nil
}

// IsMacro reports whether the selector is a declared macro.
func (r *Registry) IsMacro(sel types.Selector) bool {
	_, ok := r.macros[sel]
	return ok
}

// Check validates that selector may be invoked on target. Calls against the
// hosting contract are internal: they pass when the selector has an internal
// handler or is a macro. All other targets must be whitelisted.
func (r *Registry) Check(sel types.Selector, target [20]byte, internal func(types.Selector) bool) error {
	if target == ([20]byte{}) {
		return ErrZeroAddress
	}
	if target == r.self {
		if r.IsMacro(sel) || (internal != nil && internal(sel)) {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrInternalCall, sel)
	}
	if !r.IsAllowed(sel, target) {
		return fmt.Errorf("%w: 0x%x for %s", ErrNotWhitelisted, target, sel)
	}
	return nil
}

// Clone returns a deep copy.
func (r *Registry) Clone() *Registry {
	out := &Registry{
		self:    r.self,
		targets: make(map[types.Selector][][20]byte, len(r.targets)),
		macros:  make(map[types.Selector]struct{}, len(r.macros)),
	}
	for sel, list := range r.targets {
		out.targets[sel] = append([][20]byte(nil), list...)
	}
	for sel := range r.macros {
		out.macros[sel] = struct{}{}
	}
	return out
}

// GuardActionKind tags an entry of a guard configuration batch.
type GuardActionKind uint8

const (
	GuardAddTarget GuardActionKind = iota + 1
	GuardRemoveTarget
	// GuardDeclareMacro makes Selector reachable on the hosting contract.
	// Target is ignored.
	GuardDeclareMacro
)

// GuardAction is one entry of a guard configuration batch.
type GuardAction struct {
	Kind     GuardActionKind
	Selector types.Selector
	Target   [20]byte
}

// EncodeBatch serialises a guard batch for use as execution parameters.
func EncodeBatch(actions []GuardAction) ([]byte, error) {
	return rlp.EncodeToBytes(actions)
}

// DecodeBatch parses a batch produced by EncodeBatch.
func DecodeBatch(data []byte) ([]GuardAction, error) {
	var actions []GuardAction
	if err := rlp.DecodeBytes(data, &actions); err != nil {
		return nil, fmt.Errorf("whitelist: decode batch: %w", err)
	}
	return actions, nil
}

// ApplyBatch applies the actions in order and commits only if all succeed.
func (r *Registry) ApplyBatch(actions []GuardAction) error {
	if len(actions) > MaxBatchSize {
		return fmt.Errorf("%w: %d > %d", ErrBatchSizeExceeded, len(actions), MaxBatchSize)
	}
	working := r.Clone()
	for i, action := range actions {
		var err error
		switch action.Kind {
		case GuardAddTarget:
			err = working.Add(action.Selector, action.Target)
		case GuardRemoveTarget:
			err = working.Remove(action.Selector, action.Target)
		case GuardDeclareMacro:
			err = working.DeclareMacro(action.Selector)
		default:
			err = fmt.Errorf("%w: %d", ErrUnknownGuardAction, action.Kind)
		}
		if err != nil {
			return fmt.Errorf("whitelist: batch action %d: %w", i, err)
		}
	}
	*r = *working
	return nil
}

// Entry is the persisted allow-list of one selector.
type Entry struct {
	Selector types.Selector
	Targets  [][20]byte
}

// State is the RLP friendly export of the registry.
type State struct {
	Entries []Entry
	Macros  []types.Selector
}

// Export captures the allow-lists and macro declarations in selector order.
func (r *Registry) Export() State {
	var out State
	for _, sel := range sortedSelectors(r.Selectors()) {
		out.Entries = append(out.Entries, Entry{Selector: sel, Targets: r.Targets(sel)})
	}
	macros := make([]types.Selector, 0, len(r.macros))
	for sel := range r.macros {
		macros = append(macros, sel)
	}
	out.Macros = sortedSelectors(macros)
	return out
}

// Import rebuilds a registry bound to self from an export.
func Import(self [20]byte, state State) (*Registry, error) {
	r := NewRegistry(self)
	for _, sel := range state.Macros {
		if r.IsMacro(sel) {
			continue
		}
		if err := r.DeclareMacro(sel); err != nil {
			return nil, err
		}
	}
	for _, entry := range state.Entries {
		for _, target := range entry.Targets {
			if err := r.Add(entry.Selector, target); err != nil {
				return nil, err
			}
		}
	}
	return r, nil
}

func sortedSelectors(list []types.Selector) []types.Selector {
	sort.Slice(list, func(i, j int) bool {
		return bytes.Compare(list[i][:], list[j][:]) < 0
	})
	return list
}
