package rpc

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"guardflow/core/types"
	"guardflow/crypto"
	"guardflow/native/access"
)

const jsonRPCVersion = "2.0"

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeServerError    = -32000
	codeUnauthorized   = -32001
	codeForbidden      = -32003
	codeNotFound       = -32004
	codeRateLimited    = -32020
)

type RPCRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
	ID      interface{}       `json:"id"`
}

type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func writeError(w http.ResponseWriter, status int, id interface{}, code int, message string, data interface{}) {
	if status <= 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	errObj := &RPCError{Code: code, Message: message}
	if data != nil {
		errObj.Data = data
	}
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Error: errObj}
	_ = json.NewEncoder(w).Encode(resp)
}

func writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	resp := RPCResponse{JSONRPC: jsonRPCVersion, ID: id, Result: result}
	_ = json.NewEncoder(w).Encode(resp)
}

// PaymentResponse renders attached payment details.
type PaymentResponse struct {
	Recipient    string `json:"recipient"`
	NativeAmount string `json:"nativeAmount"`
	Token        string `json:"token,omitempty"`
	TokenAmount  string `json:"tokenAmount"`
}

// TransactionResponse renders a record. Amounts are decimal strings and byte
// fields are 0x hex.
type TransactionResponse struct {
	ID                uint64           `json:"id"`
	Status            string           `json:"status"`
	ReleaseTime       int64            `json:"releaseTime"`
	CreatedAt         int64            `json:"createdAt"`
	Requester         string           `json:"requester"`
	Target            string           `json:"target"`
	Value             string           `json:"value"`
	GasLimit          uint64           `json:"gasLimit"`
	OperationType     string           `json:"operationType"`
	HandlerSelector   string           `json:"handlerSelector"`
	ExecutionSelector string           `json:"executionSelector"`
	ExecutionParams   string           `json:"executionParams"`
	Message           string           `json:"message,omitempty"`
	Result            string           `json:"result,omitempty"`
	Payment           *PaymentResponse `json:"payment,omitempty"`
}

func transactionResponse(rec *types.TxRecord) TransactionResponse {
	resp := TransactionResponse{
		ID:                rec.ID,
		Status:            rec.Status.String(),
		ReleaseTime:       rec.ReleaseTime,
		CreatedAt:         rec.CreatedAt,
		Requester:         crypto.FromRaw(rec.Params.Requester).String(),
		Target:            crypto.FromRaw(rec.Params.Target).String(),
		Value:             "0",
		GasLimit:          rec.Params.GasLimit,
		OperationType:     hexBytes(rec.Params.OperationType[:]),
		HandlerSelector:   rec.Params.HandlerSelector.String(),
		ExecutionSelector: rec.Params.ExecutionSelector.String(),
		ExecutionParams:   hexBytes(rec.Params.ExecutionParams),
	}
	if rec.Params.Value != nil {
		resp.Value = rec.Params.Value.String()
	}
	if rec.Message != ([32]byte{}) {
		resp.Message = hexBytes(rec.Message[:])
	}
	if len(rec.Result) > 0 {
		resp.Result = hexBytes(rec.Result)
	}
	if !rec.Payment.IsZero() {
		p := rec.Payment
		resp.Payment = &PaymentResponse{
			Recipient:    crypto.FromRaw(p.Recipient).String(),
			NativeAmount: amountString(p.NativeAmount),
			TokenAmount:  amountString(p.TokenAmount),
		}
		if p.Token != ([20]byte{}) {
			resp.Payment.Token = crypto.FromRaw(p.Token).String()
		}
	}
	return resp
}

// RoleResponse renders a role view.
type RoleResponse struct {
	Name        string   `json:"name"`
	Hash        string   `json:"hash"`
	WalletLimit uint32   `json:"walletLimit"`
	MemberCount uint32   `json:"memberCount"`
	Protected   bool     `json:"protected"`
	Members     []string `json:"members"`
}

func roleResponse(role access.Role) RoleResponse {
	members := make([]string, len(role.Members))
	for i, m := range role.Members {
		members[i] = crypto.FromRaw(m).String()
	}
	return RoleResponse{
		Name:        role.Name,
		Hash:        hexBytes(role.Hash[:]),
		WalletLimit: role.WalletLimit,
		MemberCount: role.MemberCount,
		Protected:   role.Protected,
		Members:     members,
	}
}

// PermissionResponse renders a role's grant on one selector.
type PermissionResponse struct {
	Selector string   `json:"selector"`
	Actions  []string `json:"actions"`
	Linked   []string `json:"linked"`
}

func permissionResponse(p access.FunctionPermission) PermissionResponse {
	return PermissionResponse{
		Selector: p.Selector.String(),
		Actions:  actionNames(p.GrantedActions),
		Linked:   selectorStrings(p.LinkedSelectors),
	}
}

// FunctionResponse renders a function schema.
type FunctionResponse struct {
	Signature     string   `json:"signature"`
	Selector      string   `json:"selector"`
	OperationName string   `json:"operationName"`
	OperationType string   `json:"operationType"`
	Actions       []string `json:"actions"`
	Protected     bool     `json:"protected"`
	Linked        []string `json:"linked"`
}

func functionResponse(s *access.FunctionSchema) FunctionResponse {
	return FunctionResponse{
		Signature:     s.Signature,
		Selector:      s.Selector.String(),
		OperationName: s.OperationName,
		OperationType: hexBytes(s.OperationType[:]),
		Actions:       actionNames(s.SupportedActions),
		Protected:     s.Protected,
		Linked:        selectorStrings(s.LinkedSelectors),
	}
}

// DomainResponse describes the signing domain of the deployment.
type DomainResponse struct {
	ChainID         uint64 `json:"chainId"`
	Contract        string `json:"contract"`
	ContractHex     string `json:"contractHex"`
	DomainSeparator string `json:"domainSeparator"`
	TimelockSeconds int64  `json:"timelockSeconds"`
}

func actionNames(set types.ActionSet) []string {
	actions := set.Actions()
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.String()
	}
	return out
}

func selectorStrings(list []types.Selector) []string {
	out := make([]string, len(list))
	for i, sel := range list {
		out[i] = sel.String()
	}
	return out
}

func hexBytes(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
