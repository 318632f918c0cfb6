package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"rampledger/internal/proof"
)

const sampleYAML = `
authority: "0x00000000000000000000000000000000000000a0"
tokenDecimals: 6
limits:
  minDepositAmount: "20"
  maxOnRampAmount: "999.5"
  feeRate: "0.001"
  feeRecipient: "0x00000000000000000000000000000000000000fe"
  intentExpirationPeriod: 24h
  onRampCooldownPeriod: 3h
providers:
  - kind: Venmo
    notaries: ["0x0000000000000000000000000000000000000001"]
  - kind: wise
    currency: GBP
    decimals: 2
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAMLWithEnvOverrides(t *testing.T) {
	t.Setenv("HMAC_SECRET", "gateway-secret")
	t.Setenv("PARAMS_PATH", writeFile(t, "params.yaml", sampleYAML))
	t.Setenv("API_HTTP_PORT", "8088")
	t.Setenv("NULLIFIER_BACKEND", "redis")
	t.Setenv("HMAC_CLOCK_SKEW_SECONDS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, common.HexToAddress("0xa0"), cfg.Authority)
	require.Equal(t, DefaultEscrow, cfg.Escrow)
	require.Equal(t, "20000000", cfg.Params.MinDepositAmount.String())
	require.Equal(t, "999500000", cfg.Params.MaxOnRampAmount.String())
	require.Equal(t, "1000000000000000", cfg.Params.FeeRate.String())
	require.Equal(t, 24*time.Hour, cfg.Params.IntentExpirationPeriod)
	require.Equal(t, 3*time.Hour, cfg.Params.OnRampCooldownPeriod)
	require.Equal(t, 30*time.Second, cfg.Params.TimestampBuffer)

	require.Len(t, cfg.Providers, 2)
	venmo := cfg.Providers[0]
	require.Equal(t, proof.DefaultLayouts[proof.KindVenmo], venmo.Layout)
	require.Equal(t, []common.Hash{proof.NotaryKeyHash(common.HexToAddress("0x01"))}, venmo.NotaryKeyHashes)
	wise := cfg.Providers[1]
	require.Equal(t, "GBP", wise.Layout.Currency)
	require.Equal(t, int32(2), wise.Layout.Decimals)
	require.Equal(t, proof.DefaultLayouts[proof.KindWise].Endpoint, wise.Layout.Endpoint)

	require.Equal(t, 8088, cfg.Service.HTTPPort)
	require.Equal(t, "gateway-secret", cfg.Service.HMACSecret)
	require.False(t, cfg.Service.HMACDisabled)
	require.Equal(t, time.Minute, cfg.Service.HMACClockSkew)
	require.Equal(t, "redis", cfg.Storage.NullifierBackend)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadJSON(t *testing.T) {
	body := `{
  "authority": "0x00000000000000000000000000000000000000a0",
  "escrow": "0x00000000000000000000000000000000000000e5",
  "limits": {"minDepositAmount": "1", "maxOnRampAmount": "100", "intentExpirationPeriod": "1h"},
  "providers": [{"kind": "hdfc"}]
}`
	t.Setenv("PARAMS_PATH", writeFile(t, "params.json", body))
	t.Setenv("HMAC_SECRET", "gateway-secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0xe5"), cfg.Escrow)
	require.Zero(t, cfg.Params.FeeRate.Sign())
	require.Equal(t, proof.KindHDFC, cfg.Providers[0].Layout.Kind)
}

func TestLoadRejectsBadParams(t *testing.T) {
	cases := map[string]string{
		"missing authority": `
limits: {minDepositAmount: "1", maxOnRampAmount: "1"}
providers: [{kind: venmo}]`,
		"fee too high": `
authority: "0x00000000000000000000000000000000000000a0"
limits: {minDepositAmount: "1", maxOnRampAmount: "1", feeRate: "0.06", feeRecipient: "0x00000000000000000000000000000000000000fe"}
providers: [{kind: venmo}]`,
		"unknown provider": `
authority: "0x00000000000000000000000000000000000000a0"
limits: {minDepositAmount: "1", maxOnRampAmount: "1"}
providers: [{kind: paypal}]`,
		"no providers": `
authority: "0x00000000000000000000000000000000000000a0"
limits: {minDepositAmount: "1", maxOnRampAmount: "1"}`,
		"duplicate provider": `
authority: "0x00000000000000000000000000000000000000a0"
limits: {minDepositAmount: "1", maxOnRampAmount: "1"}
providers: [{kind: venmo}, {kind: venmo}]`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("PARAMS_PATH", writeFile(t, "params.yaml", body))
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("PARAMS_PATH", filepath.Join(t.TempDir(), "absent.yaml"))
	_, err := Load()
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	t.Setenv("PARAMS_PATH", writeFile(t, "params.yaml", sampleYAML))
	t.Setenv("HMAC_SECRET", "")

	_, err := Load()
	require.ErrorContains(t, err, "HMAC_SECRET")

	t.Setenv("HMAC_DISABLED", "true")
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.Service.HMACDisabled)
	require.Empty(t, cfg.Service.HMACSecret)
}
