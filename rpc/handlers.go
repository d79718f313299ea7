package rpc

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"guardflow/core/types"
	"guardflow/crypto"
	"guardflow/native/access"
	"guardflow/native/workflow"
)

// Engine is the read surface of the workflow engine served over RPC.
type Engine interface {
	GetTransaction(caller [20]byte, id uint64) (*types.TxRecord, error)
	GetTransactionRange(caller [20]byte, from, to uint64) ([]*types.TxRecord, error)
	ListPending(caller [20]byte) ([]uint64, error)
	GetRole(caller [20]byte, hash [32]byte) (access.Role, error)
	Roles(caller [20]byte) ([]access.Role, error)
	HasRole(caller [20]byte, hash [32]byte, wallet [20]byte) (bool, error)
	PermissionsForRole(caller [20]byte, hash [32]byte) ([]access.FunctionPermission, error)
	Schemas(caller [20]byte) ([]*access.FunctionSchema, error)
	WhitelistedTargets(caller [20]byte, sel types.Selector) ([][20]byte, error)
	SignerNonce(caller [20]byte, signer [20]byte) (uint64, error)
	ChainID() uint64
	Contract() [20]byte
	DomainSeparator() [32]byte
	Cooldown() int64
}

type methodHandler func(s *Server, caller [20]byte, params []json.RawMessage) (interface{}, error)

var methods = map[string]methodHandler{
	"gf_getTransaction":      (*Server).handleGetTransaction,
	"gf_getTransactionRange": (*Server).handleGetTransactionRange,
	"gf_listPending":         (*Server).handleListPending,
	"gf_getRole":             (*Server).handleGetRole,
	"gf_listRoles":           (*Server).handleListRoles,
	"gf_hasRole":             (*Server).handleHasRole,
	"gf_getRolePermissions":  (*Server).handleGetRolePermissions,
	"gf_listFunctions":       (*Server).handleListFunctions,
	"gf_getWhitelist":        (*Server).handleGetWhitelist,
	"gf_getNonce":            (*Server).handleGetNonce,
	"gf_getDomain":           (*Server).handleGetDomain,
}

var errInvalidParams = errors.New("invalid params")

func (s *Server) handleGetTransaction(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("%w: expected [id]", errInvalidParams)
	}
	id, err := parseUint(params[0])
	if err != nil {
		return nil, err
	}
	rec, err := s.engine.GetTransaction(caller, id)
	if err != nil {
		return nil, err
	}
	return transactionResponse(rec), nil
}

func (s *Server) handleGetTransactionRange(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("%w: expected [from, to]", errInvalidParams)
	}
	from, err := parseUint(params[0])
	if err != nil {
		return nil, err
	}
	to, err := parseUint(params[1])
	if err != nil {
		return nil, err
	}
	records, err := s.engine.GetTransactionRange(caller, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]TransactionResponse, len(records))
	for i, rec := range records {
		out[i] = transactionResponse(rec)
	}
	return out, nil
}

func (s *Server) handleListPending(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 0 {
		return nil, fmt.Errorf("%w: expected no params", errInvalidParams)
	}
	ids, err := s.engine.ListPending(caller)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []uint64{}
	}
	return ids, nil
}

func (s *Server) handleGetRole(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("%w: expected [role]", errInvalidParams)
	}
	hash, err := parseRole(params[0])
	if err != nil {
		return nil, err
	}
	role, err := s.engine.GetRole(caller, hash)
	if err != nil {
		return nil, err
	}
	return roleResponse(role), nil
}

func (s *Server) handleListRoles(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 0 {
		return nil, fmt.Errorf("%w: expected no params", errInvalidParams)
	}
	roles, err := s.engine.Roles(caller)
	if err != nil {
		return nil, err
	}
	out := make([]RoleResponse, len(roles))
	for i, role := range roles {
		out[i] = roleResponse(role)
	}
	return out, nil
}

func (s *Server) handleHasRole(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 2 {
		return nil, fmt.Errorf("%w: expected [role, wallet]", errInvalidParams)
	}
	hash, err := parseRole(params[0])
	if err != nil {
		return nil, err
	}
	wallet, err := parseAddress(params[1])
	if err != nil {
		return nil, err
	}
	return s.engine.HasRole(caller, hash, wallet)
}

func (s *Server) handleGetRolePermissions(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("%w: expected [role]", errInvalidParams)
	}
	hash, err := parseRole(params[0])
	if err != nil {
		return nil, err
	}
	perms, err := s.engine.PermissionsForRole(caller, hash)
	if err != nil {
		return nil, err
	}
	out := make([]PermissionResponse, len(perms))
	for i, p := range perms {
		out[i] = permissionResponse(p)
	}
	return out, nil
}

func (s *Server) handleListFunctions(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 0 {
		return nil, fmt.Errorf("%w: expected no params", errInvalidParams)
	}
	schemas, err := s.engine.Schemas(caller)
	if err != nil {
		return nil, err
	}
	out := make([]FunctionResponse, len(schemas))
	for i, schema := range schemas {
		out[i] = functionResponse(schema)
	}
	return out, nil
}

func (s *Server) handleGetWhitelist(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("%w: expected [selector]", errInvalidParams)
	}
	sel, err := parseSelector(params[0])
	if err != nil {
		return nil, err
	}
	targets, err := s.engine.WhitelistedTargets(caller, sel)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(targets))
	for i, target := range targets {
		out[i] = crypto.FromRaw(target).String()
	}
	return out, nil
}

func (s *Server) handleGetNonce(caller [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("%w: expected [signer]", errInvalidParams)
	}
	signer, err := parseAddress(params[0])
	if err != nil {
		return nil, err
	}
	return s.engine.SignerNonce(caller, signer)
}

func (s *Server) handleGetDomain(_ [20]byte, params []json.RawMessage) (interface{}, error) {
	if len(params) != 0 {
		return nil, fmt.Errorf("%w: expected no params", errInvalidParams)
	}
	contract := s.engine.Contract()
	separator := s.engine.DomainSeparator()
	return DomainResponse{
		ChainID:         s.engine.ChainID(),
		Contract:        crypto.FromRaw(contract).String(),
		ContractHex:     crypto.FromRaw(contract).Hex(),
		DomainSeparator: hexBytes(separator[:]),
		TimelockSeconds: s.engine.Cooldown(),
	}, nil
}

// errorStatus maps engine errors onto HTTP status and JSON-RPC code.
func errorStatus(err error) (int, int) {
	switch {
	case errors.Is(err, errInvalidParams),
		errors.Is(err, workflow.ErrInvalidRange):
		return http.StatusBadRequest, codeInvalidParams
	case errors.Is(err, access.ErrNoRole),
		errors.Is(err, access.ErrNoPermission):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, workflow.ErrTxNotFound),
		errors.Is(err, access.ErrRoleNotFound):
		return http.StatusNotFound, codeNotFound
	default:
		return http.StatusInternalServerError, codeServerError
	}
}

// parseUint accepts a JSON number, a decimal string or a 0x hex string.
func parseUint(raw json.RawMessage) (uint64, error) {
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return 0, fmt.Errorf("%w: expected unsigned integer", errInvalidParams)
	}
	text = strings.TrimSpace(text)
	var err error
	if strings.HasPrefix(strings.ToLower(text), "0x") {
		n, err = strconv.ParseUint(text[2:], 16, 64)
	} else {
		n, err = strconv.ParseUint(text, 10, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return n, nil
}

func parseString(raw json.RawMessage) (string, error) {
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return "", fmt.Errorf("%w: expected string", errInvalidParams)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", fmt.Errorf("%w: empty string", errInvalidParams)
	}
	return text, nil
}

func parseAddress(raw json.RawMessage) ([20]byte, error) {
	text, err := parseString(raw)
	if err != nil {
		return [20]byte{}, err
	}
	addr, err := crypto.ParseAddress(text)
	if err != nil {
		return [20]byte{}, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return addr, nil
}

// parseRole accepts a role name or its 0x-prefixed 32 byte hash.
func parseRole(raw json.RawMessage) ([32]byte, error) {
	text, err := parseString(raw)
	if err != nil {
		return [32]byte{}, err
	}
	if strings.HasPrefix(text, "0x") && len(text) == 66 {
		decoded, err := hex.DecodeString(text[2:])
		if err != nil {
			return [32]byte{}, fmt.Errorf("%w: role hash: %v", errInvalidParams, err)
		}
		var hash [32]byte
		copy(hash[:], decoded)
		return hash, nil
	}
	return access.RoleHash(text), nil
}

// parseSelector accepts a 0x selector or a canonical function signature.
func parseSelector(raw json.RawMessage) (types.Selector, error) {
	text, err := parseString(raw)
	if err != nil {
		return types.Selector{}, err
	}
	if strings.Contains(text, "(") {
		return types.SelectorOf(text), nil
	}
	sel, err := types.ParseSelector(text)
	if err != nil {
		return types.Selector{}, fmt.Errorf("%w: %v", errInvalidParams, err)
	}
	return sel, nil
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
