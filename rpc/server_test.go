package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardflow/core/types"
	"guardflow/crypto"
	"guardflow/native/access"
	"guardflow/native/workflow"
)

var (
	testContract = [20]byte{0xC0, 0x01}
	ownerAddr    = [20]byte{0x01}
	bcastAddr    = [20]byte{0x02}
	recoveryAddr = [20]byte{0x03}
	strangerAddr = [20]byte{0x99}
)

type rpcResult struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
}

func newTestEngine(t *testing.T) *workflow.Engine {
	t.Helper()
	e := workflow.NewEngine(1337, testContract)
	e.SetNowFunc(func() int64 { return 1_000 })
	require.NoError(t, e.Initialize(workflow.Config{
		Owner:           ownerAddr,
		Broadcaster:     bcastAddr,
		Recovery:        recoveryAddr,
		TimelockSeconds: 3600,
	}))
	_, err := e.Request(context.Background(), recoveryAddr, workflow.OwnershipTransfer.Delayed, types.TxParams{
		Target:            testContract,
		ExecutionSelector: workflow.OwnershipTransfer.Effect,
		ExecutionParams:   workflow.AddressParams(recoveryAddr),
	}, nil)
	require.NoError(t, err)
	return e
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	return NewServer(newTestEngine(t), cfg)
}

func call(t *testing.T, h http.Handler, principal [20]byte, method string, params ...interface{}) (*httptest.ResponseRecorder, rpcResult) {
	t.Helper()
	raw := make([]json.RawMessage, len(params))
	for i, p := range params {
		b, err := json.Marshal(p)
		require.NoError(t, err)
		raw[i] = b
	}
	body, err := json.Marshal(RPCRequest{JSONRPC: jsonRPCVersion, Method: method, Params: raw, ID: 1})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(body))
	req.Header.Set(PrincipalHeader, crypto.FromRaw(principal).String())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var out rpcResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec, out
}

func TestGetTransaction(t *testing.T) {
	srv := newTestServer(t, Config{})
	rec, resp := call(t, srv.Handler(), ownerAddr, "gf_getTransaction", 1)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Nil(t, resp.Error)

	var tx TransactionResponse
	require.NoError(t, json.Unmarshal(resp.Result, &tx))
	assert.Equal(t, uint64(1), tx.ID)
	assert.Equal(t, types.TxPending.String(), tx.Status)
	assert.Equal(t, int64(4_600), tx.ReleaseTime)
	assert.Equal(t, crypto.FromRaw(recoveryAddr).String(), tx.Requester)
	assert.Equal(t, workflow.OwnershipTransfer.Effect.String(), tx.ExecutionSelector)
	assert.Nil(t, tx.Payment)
}

func TestQueryErrors(t *testing.T) {
	srv := newTestServer(t, Config{})
	tests := []struct {
		name      string
		principal [20]byte
		method    string
		params    []interface{}
		status    int
		code      int
	}{
		{"no role", strangerAddr, "gf_listPending", nil, http.StatusForbidden, codeForbidden},
		{"missing record", ownerAddr, "gf_getTransaction", []interface{}{42}, http.StatusNotFound, codeNotFound},
		{"bad range", ownerAddr, "gf_getTransactionRange", []interface{}{5, 1}, http.StatusBadRequest, codeInvalidParams},
		{"wrong arity", ownerAddr, "gf_getTransaction", nil, http.StatusBadRequest, codeInvalidParams},
		{"unknown role", ownerAddr, "gf_getRole", []interface{}{"NOPE"}, http.StatusNotFound, codeNotFound},
		{"bad address", ownerAddr, "gf_getNonce", []interface{}{"zz"}, http.StatusBadRequest, codeInvalidParams},
		{"unknown method", ownerAddr, "gf_mutate", nil, http.StatusNotFound, codeMethodNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := call(t, srv.Handler(), tc.principal, tc.method, tc.params...)
			assert.Equal(t, tc.status, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestRoleQueries(t *testing.T) {
	srv := newTestServer(t, Config{})
	h := srv.Handler()

	_, resp := call(t, h, bcastAddr, "gf_listRoles")
	require.Nil(t, resp.Error)
	var roles []RoleResponse
	require.NoError(t, json.Unmarshal(resp.Result, &roles))
	names := make([]string, 0, len(roles))
	for _, r := range roles {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{access.OwnerRoleName, access.BroadcasterRoleName, access.RecoveryRoleName}, names)

	_, resp = call(t, h, bcastAddr, "gf_hasRole", access.OwnerRoleName, crypto.FromRaw(ownerAddr).Hex())
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "true", string(resp.Result))

	ownerHash := access.OwnerRole
	_, resp = call(t, h, bcastAddr, "gf_getRole", hexBytes(ownerHash[:]))
	require.Nil(t, resp.Error)
	var role RoleResponse
	require.NoError(t, json.Unmarshal(resp.Result, &role))
	assert.Equal(t, access.OwnerRoleName, role.Name)
	assert.True(t, role.Protected)
	assert.Equal(t, []string{crypto.FromRaw(ownerAddr).String()}, role.Members)

	_, resp = call(t, h, bcastAddr, "gf_getRolePermissions", access.RecoveryRoleName)
	require.Nil(t, resp.Error)
	var perms []PermissionResponse
	require.NoError(t, json.Unmarshal(resp.Result, &perms))
	assert.NotEmpty(t, perms)
}

func TestListingQueries(t *testing.T) {
	srv := newTestServer(t, Config{})
	h := srv.Handler()

	_, resp := call(t, h, ownerAddr, "gf_listPending")
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "[1]", string(resp.Result))

	_, resp = call(t, h, ownerAddr, "gf_getTransactionRange", "1", "0x5")
	require.Nil(t, resp.Error)
	var txs []TransactionResponse
	require.NoError(t, json.Unmarshal(resp.Result, &txs))
	require.Len(t, txs, 1)

	_, resp = call(t, h, ownerAddr, "gf_listFunctions")
	require.Nil(t, resp.Error)
	var fns []FunctionResponse
	require.NoError(t, json.Unmarshal(resp.Result, &fns))
	assert.NotEmpty(t, fns)

	_, resp = call(t, h, ownerAddr, "gf_getWhitelist", "transfer(address,uint256)")
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "[]", string(resp.Result))

	_, resp = call(t, h, ownerAddr, "gf_getNonce", crypto.FromRaw(ownerAddr).String())
	require.Nil(t, resp.Error)
	assert.JSONEq(t, "0", string(resp.Result))

	_, resp = call(t, h, strangerAddr, "gf_getDomain")
	require.Nil(t, resp.Error)
	var domain DomainResponse
	require.NoError(t, json.Unmarshal(resp.Result, &domain))
	assert.Equal(t, uint64(1337), domain.ChainID)
	assert.Equal(t, int64(3600), domain.TimelockSeconds)
	assert.Equal(t, crypto.FromRaw(testContract).Hex(), domain.ContractHex)
}

func TestMalformedRequests(t *testing.T) {
	srv := newTestServer(t, Config{})
	h := srv.Handler()
	principal := crypto.FromRaw(ownerAddr).String()

	post := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
		req.Header.Set(PrincipalHeader, principal)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, post("").Code)
	assert.Equal(t, http.StatusBadRequest, post("{").Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"jsonrpc":"1.0","method":"gf_listPending","id":1}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"jsonrpc":"2.0","id":1}`).Code)
	assert.Equal(t, http.StatusRequestEntityTooLarge, post(`{"pad":"`+strings.Repeat("a", maxRequestBytes)+`"}`).Code)
}

func TestPrincipalRequired(t *testing.T) {
	srv := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{"jsonrpc":"2.0","method":"gf_listPending","id":1}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func signToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)
	return token
}

func TestBearerAuthentication(t *testing.T) {
	secret := []byte("test-secret")
	srv := newTestServer(t, Config{Auth: AuthConfig{HMACSecret: secret, Issuer: "guardflow", Audience: "ops"}})
	body := `{"jsonrpc":"2.0","method":"gf_listPending","id":1}`
	exp := time.Now().Add(time.Hour).Unix()

	send := func(token string) int {
		req := httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		// Ignored once a secret is configured.
		req.Header.Set(PrincipalHeader, crypto.FromRaw(ownerAddr).String())
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec.Code
	}

	valid := signToken(t, secret, jwt.MapClaims{"sub": crypto.FromRaw(ownerAddr).String(), "iss": "guardflow", "aud": "ops", "exp": exp})
	assert.Equal(t, http.StatusOK, send(valid))

	assert.Equal(t, http.StatusUnauthorized, send(""))
	assert.Equal(t, http.StatusUnauthorized, send(signToken(t, []byte("other"), jwt.MapClaims{"sub": crypto.FromRaw(ownerAddr).String(), "iss": "guardflow", "aud": "ops", "exp": exp})))
	assert.Equal(t, http.StatusUnauthorized, send(signToken(t, secret, jwt.MapClaims{"sub": crypto.FromRaw(ownerAddr).String(), "iss": "other", "aud": "ops", "exp": exp})))
	assert.Equal(t, http.StatusUnauthorized, send(signToken(t, secret, jwt.MapClaims{"sub": crypto.FromRaw(ownerAddr).String(), "iss": "guardflow", "aud": "ops"})))
	assert.Equal(t, http.StatusUnauthorized, send(signToken(t, secret, jwt.MapClaims{"sub": "nobody", "iss": "guardflow", "aud": "ops", "exp": exp})))
	assert.Equal(t, http.StatusForbidden, send(signToken(t, secret, jwt.MapClaims{"sub": crypto.FromRaw(strangerAddr).Hex(), "iss": "guardflow", "aud": "ops", "exp": exp})))
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, Config{RateLimit: RateLimit{RequestsPerMinute: 1, Burst: 2}})
	fixed := time.Unix(1_700_000_000, 0)
	srv.limiter.clockNow = func() time.Time { return fixed }

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec, _ := call(t, srv.Handler(), ownerAddr, "gf_listPending")
		codes = append(codes, rec.Code)
	}
	// Each request draws from the source bucket and the principal bucket.
	assert.Equal(t, []int{http.StatusOK, http.StatusOK}, codes)
	rec, resp := call(t, srv.Handler(), ownerAddr, "gf_listPending")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeRateLimited, resp.Error.Code)
}

func TestHealthAndRequestID(t *testing.T) {
	srv := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	_, err := uuid.Parse(rec.Header().Get(RequestIDHeader))
	assert.NoError(t, err)

	id := uuid.NewString()
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, id)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, id, rec.Header().Get(RequestIDHeader))

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
