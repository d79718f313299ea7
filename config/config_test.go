package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardflow/core/types"
	"guardflow/crypto"
	"guardflow/native/access"
	"guardflow/native/whitelist"
)

const (
	ownerHex       = "0x1111111111111111111111111111111111111111"
	broadcasterHex = "0x2222222222222222222222222222222222222222"
	recoveryHex    = "0x3333333333333333333333333333333333333333"
	contractHex    = "0x4444444444444444444444444444444444444444"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadParsesSections(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.toml", `ListenAddress = "127.0.0.1:9000"
DataDir = "/var/lib/guardflow"
Environment = "staging"
LogLevel = "debug"
ChainID = 42
ContractAddress = "`+contractHex+`"
TimelockSeconds = 120
Owner = "`+ownerHex+`"
Broadcaster = "`+broadcasterHex+`"
Recovery = "`+recoveryHex+`"
Observer = "http://audit.internal/events"
ManifestFile = "manifest.yaml"

[auth]
HMACSecret = "file-secret"
HMACSecretEnv = "GUARDFLOW_TEST_SECRET"
Issuer = "guardflow"
Audience = "ops"

[rate_limit]
RequestsPerMinute = 120
Burst = 5

[telemetry]
Endpoint = "otel:4318"
Insecure = true
Traces = true
Headers = "api-key=abc"
SampleRatio = 0.25
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddress)
	assert.Equal(t, uint64(42), cfg.ChainID)
	assert.Equal(t, filepath.Join(dir, "manifest.yaml"), cfg.ManifestFile)
	assert.Equal(t, uint32(120), cfg.RateLimit.RequestsPerMinute)
	assert.True(t, cfg.Telemetry.Traces)
	assert.False(t, cfg.Telemetry.Metrics)
	assert.InDelta(t, 0.25, cfg.Telemetry.SampleRatio, 1e-9)

	t.Setenv("GUARDFLOW_TEST_SECRET", "env-secret")
	rt, err := cfg.Runtime()
	require.NoError(t, err)
	assert.Equal(t, []byte("env-secret"), rt.HMACSecret)
	assert.Equal(t, byte(0x11), rt.Owner[0])
	assert.Equal(t, uint64(120), rt.Timelock)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.toml", "ChainID = 1\nGenesisFile = \"x\"\n")
	_, err := Load(path)
	assert.ErrorContains(t, err, "GenesisFile")
}

func TestLoadCreatesDefaultWithKeystores(t *testing.T) {
	if testing.Short() {
		t.Skip("keystore generation uses scrypt")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	for _, role := range []string{"owner", "broadcaster", "recovery"} {
		_, err := os.Stat(filepath.Join(dir, role+".keystore"))
		assert.NoError(t, err, role)
	}
	key, err := crypto.LoadFromKeystore(filepath.Join(dir, "owner.keystore"), "")
	require.NoError(t, err)
	assert.Equal(t, cfg.Owner, key.PubKey().Address().String())

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Owner, reloaded.Owner)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ChainID:         1,
			TimelockSeconds: 10,
			ContractAddress: contractHex,
			Owner:           ownerHex,
			Broadcaster:     broadcasterHex,
			Recovery:        crypto.FromRaw([20]byte{0x33}).String(),
		}
	}
	require.NoError(t, valid().Validate())

	cfg := valid()
	cfg.ChainID = 0
	assert.ErrorIs(t, cfg.Validate(), ErrZeroChainID)

	cfg = valid()
	cfg.TimelockSeconds = 0
	assert.ErrorIs(t, cfg.Validate(), ErrZeroTimelock)

	cfg = valid()
	cfg.Recovery = ownerHex
	assert.ErrorIs(t, cfg.Validate(), ErrDuplicateRoleHolder)

	cfg = valid()
	cfg.Broadcaster = "0x0000000000000000000000000000000000000000"
	assert.ErrorContains(t, cfg.Validate(), "zero address")

	cfg = valid()
	cfg.Owner = "not-an-address"
	assert.ErrorContains(t, cfg.Validate(), "invalid Owner")
}

func TestManifestActions(t *testing.T) {
	m, err := ParseManifest([]byte(`
functions:
  - signature: "transfer(address,uint256)"
    operation: TOKEN_TRANSFER
    actions: [all]
  - signature: "requestTransfer(bytes)"
    operation: TOKEN_TRANSFER
    actions: [delayed_request, delayed_approve, delayed_cancel]
    linked: ["transfer(address,uint256)"]
roles:
  - name: OPS
    walletLimit: 2
    wallets: ["0x0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a0a"]
grants:
  - role: OPS
    function: "transfer(address,uint256)"
    actions: [delayed_request, delayed_approve]
  - role: OPS
    function: "requestTransfer(bytes)"
    actions: [delayed_request, delayed_approve]
    linked: ["0xa9059cbb"]
whitelist:
  - function: "0xa9059cbb"
    targets: ["0x7a7a7a7a7a7a7a7a7a7a7a7a7a7a7a7a7a7a7a7a"]
macros: ["sweep(address)"]
`))
	require.NoError(t, err)
	roleActions, guardActions, err := m.Actions()
	require.NoError(t, err)
	require.Len(t, roleActions, 6)
	require.Len(t, guardActions, 2)
	assert.Equal(t, whitelist.GuardDeclareMacro, guardActions[0].Kind)
	assert.Equal(t, types.SelectorOf("sweep(address)"), guardActions[0].Selector)
	assert.Equal(t, types.SelectorOf("transfer(address,uint256)"), guardActions[1].Selector)
	assert.Equal(t, whitelist.GuardAddTarget, guardActions[1].Kind)

	registry := access.NewRegistry()
	require.NoError(t, registry.ApplyBatch(roleActions))
	ops := [20]byte{0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a, 0x0a}
	assert.True(t, registry.HasRole(access.RoleHash("OPS"), ops))
	assert.NoError(t, registry.Authorize(ops, types.SelectorOf("requestTransfer(bytes)"), types.SelectorOf("transfer(address,uint256)"), types.ActionDelayedApprove))
}

func TestManifestRejectsBadInput(t *testing.T) {
	_, err := ParseManifest([]byte("roles:\n  - name: OPS\n    colour: red\n"))
	assert.Error(t, err)

	m, err := ParseManifest([]byte("grants:\n  - role: OPS\n    function: transfer(address)\n    actions: [fly]\n"))
	require.NoError(t, err)
	_, _, err = m.Actions()
	assert.ErrorContains(t, err, "grants[0]")

	empty, err := ParseManifest(nil)
	require.NoError(t, err)
	roles, guards, err := empty.Actions()
	require.NoError(t, err)
	assert.Empty(t, roles)
	assert.Empty(t, guards)

	none, err := LoadManifest("")
	require.NoError(t, err)
	assert.Empty(t, none.Roles)
}
