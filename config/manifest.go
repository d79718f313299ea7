package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"guardflow/core/types"
	"guardflow/crypto"
	"guardflow/native/access"
	"guardflow/native/whitelist"
)

// Manifest describes the roles, functions, grants and whitelist entries that
// are installed at first boot.
type Manifest struct {
	Roles     []ManifestRole      `yaml:"roles"`
	Functions []ManifestFunction  `yaml:"functions"`
	Grants    []ManifestGrant     `yaml:"grants"`
	Whitelist []ManifestWhitelist `yaml:"whitelist"`
	// Macros are selectors callable on the hosting contract itself, in
	// addition to the built-in native transfer.
	Macros []string `yaml:"macros"`
}

// ManifestRole creates a role and adds its initial wallets.
type ManifestRole struct {
	Name        string   `yaml:"name"`
	WalletLimit uint32   `yaml:"walletLimit"`
	Wallets     []string `yaml:"wallets"`
}

// ManifestFunction registers a function schema. Linked entries and function
// references elsewhere accept either a signature or a 0x selector.
type ManifestFunction struct {
	Signature string   `yaml:"signature"`
	Operation string   `yaml:"operation"`
	Actions   []string `yaml:"actions"`
	Protected bool     `yaml:"protected"`
	Linked    []string `yaml:"linked"`
}

// ManifestGrant gives a role actions on a function.
type ManifestGrant struct {
	Role     string   `yaml:"role"`
	Function string   `yaml:"function"`
	Actions  []string `yaml:"actions"`
	Linked   []string `yaml:"linked"`
}

// ManifestWhitelist allows targets for a function.
type ManifestWhitelist struct {
	Function string   `yaml:"function"`
	Targets  []string `yaml:"targets"`
}

// LoadManifest decodes a YAML manifest. An empty path yields an empty manifest.
func LoadManifest(path string) (*Manifest, error) {
	if strings.TrimSpace(path) == "" {
		return &Manifest{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes manifest YAML, rejecting unknown fields.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Actions converts the manifest into an RBAC batch and a guard batch. Functions
// are registered before roles so grants can reference both.
func (m *Manifest) Actions() ([]access.ConfigAction, []whitelist.GuardAction, error) {
	var roles []access.ConfigAction
	for i, fn := range m.Functions {
		supported, err := parseActions(fn.Actions)
		if err != nil {
			return nil, nil, fmt.Errorf("functions[%d]: %w", i, err)
		}
		linked, err := parseSelectors(fn.Linked)
		if err != nil {
			return nil, nil, fmt.Errorf("functions[%d]: %w", i, err)
		}
		roles = append(roles, access.RegisterFunctionAction(fn.Signature, fn.Operation, supported, fn.Protected, linked))
	}
	for i, role := range m.Roles {
		roles = append(roles, access.CreateRoleAction(role.Name, role.WalletLimit))
		hash := access.RoleHash(role.Name)
		for j, wallet := range role.Wallets {
			addr, err := crypto.ParseAddress(wallet)
			if err != nil {
				return nil, nil, fmt.Errorf("roles[%d].wallets[%d]: %w", i, j, err)
			}
			roles = append(roles, access.AddWalletAction(hash, addr))
		}
	}
	for i, grant := range m.Grants {
		sel, err := parseSelector(grant.Function)
		if err != nil {
			return nil, nil, fmt.Errorf("grants[%d]: %w", i, err)
		}
		granted, err := parseActions(grant.Actions)
		if err != nil {
			return nil, nil, fmt.Errorf("grants[%d]: %w", i, err)
		}
		linked, err := parseSelectors(grant.Linked)
		if err != nil {
			return nil, nil, fmt.Errorf("grants[%d]: %w", i, err)
		}
		roles = append(roles, access.AddFunctionToRoleAction(access.RoleHash(grant.Role), access.FunctionPermission{
			Selector:        sel,
			GrantedActions:  granted,
			LinkedSelectors: linked,
		}))
	}

	var guards []whitelist.GuardAction
	for i, macro := range m.Macros {
		sel, err := parseSelector(macro)
		if err != nil {
			return nil, nil, fmt.Errorf("macros[%d]: %w", i, err)
		}
		guards = append(guards, whitelist.GuardAction{Kind: whitelist.GuardDeclareMacro, Selector: sel})
	}
	for i, entry := range m.Whitelist {
		sel, err := parseSelector(entry.Function)
		if err != nil {
			return nil, nil, fmt.Errorf("whitelist[%d]: %w", i, err)
		}
		for j, target := range entry.Targets {
			addr, err := crypto.ParseAddress(target)
			if err != nil {
				return nil, nil, fmt.Errorf("whitelist[%d].targets[%d]: %w", i, j, err)
			}
			guards = append(guards, whitelist.GuardAction{Kind: whitelist.GuardAddTarget, Selector: sel, Target: addr})
		}
	}
	return roles, guards, nil
}

func parseActions(names []string) (types.ActionSet, error) {
	var set types.ActionSet
	for _, name := range names {
		if strings.EqualFold(strings.TrimSpace(name), "all") {
			set |= access.NewAllActions()
			continue
		}
		action, err := types.ParseAction(name)
		if err != nil {
			return 0, err
		}
		set = set.Add(action)
	}
	return set, nil
}

func parseSelectors(values []string) ([]types.Selector, error) {
	out := make([]types.Selector, 0, len(values))
	for _, v := range values {
		sel, err := parseSelector(v)
		if err != nil {
			return nil, err
		}
		out = append(out, sel)
	}
	return out, nil
}

// parseSelector accepts a canonical signature or a 0x selector.
func parseSelector(value string) (types.Selector, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return types.Selector{}, fmt.Errorf("function reference required")
	}
	if strings.Contains(trimmed, "(") {
		return types.SelectorOf(trimmed), nil
	}
	return types.ParseSelector(trimmed)
}
