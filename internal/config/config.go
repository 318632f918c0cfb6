package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"rampledger/internal/policy"
	"rampledger/internal/proof"
)

// ParamsFile models params.yaml (or params.json).
type ParamsFile struct {
	Authority     string         `yaml:"authority" json:"authority"`
	Escrow        string         `yaml:"escrow" json:"escrow"`
	TokenDecimals int32          `yaml:"tokenDecimals" json:"tokenDecimals"`
	Limits        LimitsFile     `yaml:"limits" json:"limits"`
	Providers     []ProviderFile `yaml:"providers" json:"providers"`
}

// LimitsFile holds ledger parameters. Amounts are decimal token amounts,
// the fee rate is a decimal fraction ("0.01" is 1%), durations use Go syntax.
type LimitsFile struct {
	MinDepositAmount       string `yaml:"minDepositAmount" json:"minDepositAmount"`
	MaxOnRampAmount        string `yaml:"maxOnRampAmount" json:"maxOnRampAmount"`
	FeeRate                string `yaml:"feeRate" json:"feeRate"`
	FeeRecipient           string `yaml:"feeRecipient" json:"feeRecipient"`
	IntentExpirationPeriod string `yaml:"intentExpirationPeriod" json:"intentExpirationPeriod"`
	OnRampCooldownPeriod   string `yaml:"onRampCooldownPeriod" json:"onRampCooldownPeriod"`
	TimestampBuffer        string `yaml:"timestampBuffer" json:"timestampBuffer"`
}

// ProviderFile enables one payment provider. Empty fields keep the
// provider's default layout.
type ProviderFile struct {
	Kind       string   `yaml:"kind" json:"kind"`
	Endpoint   string   `yaml:"endpoint" json:"endpoint"`
	Host       string   `yaml:"host" json:"host"`
	Currency   string   `yaml:"currency" json:"currency"`
	Decimals   *int32   `yaml:"decimals" json:"decimals"`
	TimeLayout string   `yaml:"timeLayout" json:"timeLayout"`
	Notaries   []string `yaml:"notaries" json:"notaries"`
}

// AppConfig ties together the params file and environment settings.
type AppConfig struct {
	Authority     common.Address
	Escrow        common.Address
	TokenDecimals int32
	Params        policy.Params
	Providers     []Provider
	Service       ServiceConfig
	Storage       StorageConfig
	Log           LogConfig
}

type Provider struct {
	Layout          proof.Layout
	NotaryKeyHashes []common.Hash
}

type ServiceConfig struct {
	HTTPPort             int
	HMACSecret           string
	HMACDisabled         bool
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyBackend   string
	IdempotencyStorePath string
	RejectionLogPath     string
	ShutdownTimeout      time.Duration
}

type StorageConfig struct {
	NullifierBackend string
	NullifierPath    string
	KeyBackend       string
	PostgresDSN      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	NATSURL          string
	NATSSubject      string
}

type LogConfig struct {
	Level  string
	Format string
}

const (
	defaultParamsPath    = "configs/params.yaml"
	defaultTokenDecimals = 6
)

// DefaultEscrow is used when the params file names no escrow account.
var DefaultEscrow = common.BytesToAddress(crypto.Keccak256([]byte("rampledger/escrow"))[12:])

// Load aggregates configuration from .env, the params file and environment.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	paramsPath := envOr("PARAMS_PATH", defaultParamsPath)
	file, err := loadParamsFile(paramsPath)
	if err != nil {
		return nil, fmt.Errorf("load params: %w", err)
	}

	cfg, err := file.resolve()
	if err != nil {
		return nil, fmt.Errorf("params %s: %w", paramsPath, err)
	}

	cfg.Service = ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACSecret:           envOr("HMAC_SECRET", ""),
		HMACDisabled:         envOrBool("HMAC_DISABLED", false),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    time.Duration(envOrInt("IDEMPOTENCY_WINDOW_SECONDS", 86400)) * time.Second,
		IdempotencyBackend:   envOr("IDEMPOTENCY_BACKEND", "file"),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "rampledger-idem.json")),
		RejectionLogPath:     envOr("REJECTION_LOG_PATH", ""),
		ShutdownTimeout:      time.Duration(envOrInt("SHUTDOWN_TIMEOUT_SECONDS", 15)) * time.Second,
	}
	if cfg.Service.HMACSecret == "" && !cfg.Service.HMACDisabled {
		return nil, errors.New("HMAC_SECRET is required (set HMAC_DISABLED=true to run without request signing)")
	}
	cfg.Storage = StorageConfig{
		NullifierBackend: envOr("NULLIFIER_BACKEND", "file"),
		NullifierPath:    envOr("NULLIFIER_STORE_PATH", filepath.Join(os.TempDir(), "rampledger-nullifiers.json")),
		KeyBackend:       envOr("KEY_BACKEND", "memory"),
		PostgresDSN:      envOr("POSTGRES_DSN", ""),
		RedisAddr:        envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    envOr("REDIS_PASSWORD", ""),
		RedisDB:          envOrInt("REDIS_DB", 0),
		NATSURL:          envOr("NATS_URL", ""),
		NATSSubject:      envOr("NATS_SUBJECT_PREFIX", "rampledger"),
	}
	cfg.Log = LogConfig{
		Level:  envOr("LOG_LEVEL", "info"),
		Format: envOr("LOG_FORMAT", "text"),
	}
	return cfg, nil
}

func loadParamsFile(path string) (*ParamsFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file ParamsFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(raw, &file)
	} else {
		err = yaml.Unmarshal(raw, &file)
	}
	if err != nil {
		return nil, err
	}
	return &file, nil
}

func (f *ParamsFile) resolve() (*AppConfig, error) {
	cfg := &AppConfig{TokenDecimals: f.TokenDecimals, Escrow: DefaultEscrow}
	if cfg.TokenDecimals == 0 {
		cfg.TokenDecimals = defaultTokenDecimals
	}

	var err error
	if cfg.Authority, err = parseAddress("authority", f.Authority); err != nil {
		return nil, err
	}
	if cfg.Authority == (common.Address{}) {
		return nil, errors.New("authority is required")
	}
	if f.Escrow != "" {
		if cfg.Escrow, err = parseAddress("escrow", f.Escrow); err != nil {
			return nil, err
		}
	}
	if cfg.Params, err = f.Limits.Params(cfg.TokenDecimals); err != nil {
		return nil, err
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}

	seen := make(map[proof.Kind]bool)
	for _, pf := range f.Providers {
		p, err := pf.provider()
		if err != nil {
			return nil, err
		}
		if seen[p.Layout.Kind] {
			return nil, fmt.Errorf("provider %s listed twice", p.Layout.Kind)
		}
		seen[p.Layout.Kind] = true
		cfg.Providers = append(cfg.Providers, p)
	}
	if len(cfg.Providers) == 0 {
		return nil, errors.New("at least one provider is required")
	}
	return cfg, nil
}

// Params converts the file form into ledger parameters for a token with the
// given decimals. The result is not validated.
func (l LimitsFile) Params(decimals int32) (policy.Params, error) {
	var (
		p   policy.Params
		err error
	)
	if p.MinDepositAmount, err = policy.ParseAmount(l.MinDepositAmount, decimals); err != nil {
		return p, fmt.Errorf("minDepositAmount: %w", err)
	}
	if p.MaxOnRampAmount, err = policy.ParseAmount(l.MaxOnRampAmount, decimals); err != nil {
		return p, fmt.Errorf("maxOnRampAmount: %w", err)
	}
	if p.FeeRate, err = policy.ParseRate(orDefault(l.FeeRate, "0")); err != nil {
		return p, fmt.Errorf("feeRate: %w", err)
	}
	if p.FeeRecipient, err = parseAddress("feeRecipient", l.FeeRecipient); err != nil {
		return p, err
	}
	if p.IntentExpirationPeriod, err = time.ParseDuration(orDefault(l.IntentExpirationPeriod, "24h")); err != nil {
		return p, fmt.Errorf("intentExpirationPeriod: %w", err)
	}
	if p.OnRampCooldownPeriod, err = time.ParseDuration(orDefault(l.OnRampCooldownPeriod, "0s")); err != nil {
		return p, fmt.Errorf("onRampCooldownPeriod: %w", err)
	}
	if p.TimestampBuffer, err = time.ParseDuration(orDefault(l.TimestampBuffer, "30s")); err != nil {
		return p, fmt.Errorf("timestampBuffer: %w", err)
	}
	return p, nil
}

func (pf ProviderFile) provider() (Provider, error) {
	kind, err := proof.ParseKind(pf.Kind)
	if err != nil {
		return Provider{}, fmt.Errorf("provider: %w", err)
	}
	layout := proof.DefaultLayouts[kind]
	if pf.Endpoint != "" {
		layout.Endpoint = pf.Endpoint
	}
	if pf.Host != "" {
		layout.Host = pf.Host
	}
	if pf.Currency != "" {
		layout.Currency = pf.Currency
	}
	if pf.Decimals != nil {
		layout.Decimals = *pf.Decimals
	}
	if pf.TimeLayout != "" {
		layout.TimeLayout = pf.TimeLayout
	}

	p := Provider{Layout: layout}
	for _, n := range pf.Notaries {
		addr, err := parseAddress("notary", n)
		if err != nil {
			return Provider{}, fmt.Errorf("provider %s: %w", kind, err)
		}
		p.NotaryKeyHashes = append(p.NotaryKeyHashes, proof.NotaryKeyHash(addr))
	}
	return p, nil
}

func parseAddress(field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return common.Address{}, nil
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s: %q is not an address", field, s)
	}
	return common.HexToAddress(s), nil
}

func orDefault(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrBool(key string, fallback bool) bool {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}
