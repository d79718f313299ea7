package access

import (
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"guardflow/core/types"
)

// FunctionSchema classifies a selector and the actions it supports.
type FunctionSchema struct {
	Signature        string
	Selector         types.Selector
	OperationType    [32]byte
	OperationName    string
	SupportedActions types.ActionSet
	Protected        bool
	// LinkedSelectors lists the selectors this one is paired with for
	// dual-selector validation. A handler links to the effects it may trigger.
	LinkedSelectors []types.Selector
}

// Clone returns a deep copy of the schema.
func (s *FunctionSchema) Clone() *FunctionSchema {
	if s == nil {
		return nil
	}
	clone := *s
	clone.LinkedSelectors = append([]types.Selector(nil), s.LinkedSelectors...)
	return &clone
}

// Links reports whether the schema declares the selector as linked.
func (s *FunctionSchema) Links(sel types.Selector) bool {
	if s == nil {
		return false
	}
	for _, linked := range s.LinkedSelectors {
		if linked == sel {
			return true
		}
	}
	return false
}

// FunctionPermission scopes a schema to one role.
type FunctionPermission struct {
	Selector        types.Selector
	GrantedActions  types.ActionSet
	LinkedSelectors []types.Selector
}

// Clone returns a deep copy of the permission.
func (p *FunctionPermission) Clone() *FunctionPermission {
	if p == nil {
		return nil
	}
	clone := *p
	clone.LinkedSelectors = append([]types.Selector(nil), p.LinkedSelectors...)
	return &clone
}

func (p *FunctionPermission) links(sel types.Selector) bool {
	for _, linked := range p.LinkedSelectors {
		if linked == sel {
			return true
		}
	}
	return false
}

// OperationTypeOf derives the operation category hash from its name.
func OperationTypeOf(name string) [32]byte {
	return ethcrypto.Keccak256Hash([]byte(strings.TrimSpace(name)))
}
