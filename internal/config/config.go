package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ligun0805/pharos-autobot/internal/pharos"
	"github.com/ligun0805/pharos-autobot/internal/schedule"
)

// maxRetries bounds each retry count; the backoff doubles per retry.
const maxRetries = 20

// Settings keeps all configuration options.
// Keys are dotted (swap.mode); the matching env var is upper case with "_" (SWAP_MODE).
type Settings struct {
	RPCURL      string `mapstructure:"rpc_url"`
	ChainID     int64  `mapstructure:"chain_id"`
	SignMessage string `mapstructure:"sign_message"`
	KeysFile    string `mapstructure:"keys_file"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`

	API       APISettings      `mapstructure:"api"`
	Contracts ContractSettings `mapstructure:"contracts"`
	Swap      SwapSettings     `mapstructure:"swap"`
	Delay     DelaySettings    `mapstructure:"delay"`
	Retry     RetrySettings    `mapstructure:"retry"`
	Cycle     CycleSettings    `mapstructure:"cycle"`
}

type APISettings struct {
	BaseURL    string  `mapstructure:"base_url"`
	Origin     string  `mapstructure:"origin"`
	Referer    string  `mapstructure:"referer"`
	UserAgent  string  `mapstructure:"user_agent"`
	RatePerSec float64 `mapstructure:"rate_per_sec"`
}

type ContractSettings struct {
	Router string `mapstructure:"router"`
	WETH   string `mapstructure:"weth"`
	USDC   string `mapstructure:"usdc"`
	USDT   string `mapstructure:"usdt"`
}

type SwapSettings struct {
	Mode         string        `mapstructure:"mode"`
	MinAmount    string        `mapstructure:"min_amount"`
	MaxAmount    string        `mapstructure:"max_amount"`
	TxCount      int           `mapstructure:"tx_count"`
	GasMarginPct int64         `mapstructure:"gas_margin_pct"`
	Deadline     time.Duration `mapstructure:"deadline"`
}

type DelaySettings struct {
	TxMin     time.Duration `mapstructure:"tx_min"`
	TxMax     time.Duration `mapstructure:"tx_max"`
	WalletMin time.Duration `mapstructure:"wallet_min"`
	WalletMax time.Duration `mapstructure:"wallet_max"`
}

type RetrySettings struct {
	Base    time.Duration `mapstructure:"base"`
	Login   int           `mapstructure:"login"`
	CheckIn int           `mapstructure:"checkin"`
	Swap    int           `mapstructure:"swap"`
}

type CycleSettings struct {
	Interval time.Duration `mapstructure:"interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rpc_url", "https://testnet.dplabs-internal.com")
	v.SetDefault("chain_id", 688688)
	v.SetDefault("sign_message", "pharos")
	v.SetDefault("keys_file", "privatekeys.txt")
	v.SetDefault("log_level", "info")
	v.SetDefault("metrics_addr", "")

	v.SetDefault("api.base_url", pharos.DefaultBaseURL)
	v.SetDefault("api.origin", pharos.DefaultOrigin)
	v.SetDefault("api.referer", pharos.DefaultOrigin+"/")
	v.SetDefault("api.user_agent", pharos.DefaultUserAgent)
	v.SetDefault("api.rate_per_sec", 2.0)

	v.SetDefault("contracts.router", "0x3541423f25a1ca5c98fdbcf478405d3f0aad1164")
	v.SetDefault("contracts.weth", "0x76aaaDA469D23216bE5f7C596fA25F282Ff9b364")
	v.SetDefault("contracts.usdc", "0x72df0bcd7276f2dFbAc900D1CE63c272C4BCcCED")
	v.SetDefault("contracts.usdt", "0xD4071393f8716661958F766DF660033b3d35fD29")

	v.SetDefault("swap.mode", "stable")
	v.SetDefault("swap.min_amount", "0.1")
	v.SetDefault("swap.max_amount", "1.0")
	v.SetDefault("swap.tx_count", 10)
	v.SetDefault("swap.gas_margin_pct", 20)
	v.SetDefault("swap.deadline", 10*time.Minute)

	v.SetDefault("delay.tx_min", time.Minute)
	v.SetDefault("delay.tx_max", 3*time.Minute)
	v.SetDefault("delay.wallet_min", 10*time.Second)
	v.SetDefault("delay.wallet_max", 20*time.Second)

	v.SetDefault("retry.base", 5*time.Second)
	v.SetDefault("retry.login", 5)
	v.SetDefault("retry.checkin", 5)
	v.SetDefault("retry.swap", 3)

	v.SetDefault("cycle.interval", 24*time.Hour)
}

// RegisterFlags adds the command line overrides to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML config file (default ./config.yaml if present)")
	fs.String("keys", "", "private key file, one key per line (env: KEYS_FILE)")
	fs.String("rpc", "", "RPC endpoint (env: RPC_URL)")
	fs.String("mode", "", "swap mode: stable or native (env: SWAP_MODE)")
	fs.Int("tx-count", 0, "swaps per wallet (env: SWAP_TX_COUNT)")
	fs.String("log-level", "", "debug, info, warn or error (env: LOG_LEVEL)")
	fs.String("metrics-addr", "", "serve prometheus metrics on this address (env: METRICS_ADDR)")
}

var flagKeys = map[string]string{
	"keys":         "keys_file",
	"rpc":          "rpc_url",
	"mode":         "swap.mode",
	"tx-count":     "swap.tx_count",
	"log-level":    "log_level",
	"metrics-addr": "metrics_addr",
}

// Load reads settings, lowest priority first: defaults, config.yaml, .env / .env.local,
// environment, changed flags. fs may be nil.
func Load(fs *pflag.FlagSet) (*Settings, error) {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	configFile := ""
	if fs != nil {
		configFile, _ = fs.GetString("config")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, err
				}
			}
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Amounts returns the parsed swap amount range.
func (s *Settings) Amounts() (lo, hi decimal.Decimal, err error) {
	if lo, err = decimal.NewFromString(strings.TrimSpace(s.Swap.MinAmount)); err != nil {
		return lo, hi, fmt.Errorf("swap.min_amount: %w", err)
	}
	if hi, err = decimal.NewFromString(strings.TrimSpace(s.Swap.MaxAmount)); err != nil {
		return lo, hi, fmt.Errorf("swap.max_amount: %w", err)
	}
	return lo, hi, nil
}

func (s *Settings) TxDelay() schedule.Bounds {
	return schedule.Bounds{Min: s.Delay.TxMin, Max: s.Delay.TxMax}
}

func (s *Settings) WalletDelay() schedule.Bounds {
	return schedule.Bounds{Min: s.Delay.WalletMin, Max: s.Delay.WalletMax}
}

func (s *Settings) Validate() error {
	var errs []error
	check := func(ok bool, format string, a ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, a...))
		}
	}

	check(strings.TrimSpace(s.RPCURL) != "", "rpc_url is empty")
	check(s.ChainID > 0, "chain_id must be positive, got %d", s.ChainID)
	check(strings.TrimSpace(s.KeysFile) != "", "keys_file is empty")
	check(strings.TrimSpace(s.API.BaseURL) != "", "api.base_url is empty")
	check(s.API.RatePerSec > 0, "api.rate_per_sec must be positive")

	for name, addr := range map[string]string{
		"contracts.router": s.Contracts.Router,
		"contracts.weth":   s.Contracts.WETH,
		"contracts.usdc":   s.Contracts.USDC,
		"contracts.usdt":   s.Contracts.USDT,
	} {
		check(common.IsHexAddress(addr), "%s is not an address: %q", name, addr)
	}

	mode := strings.ToLower(strings.TrimSpace(s.Swap.Mode))
	check(mode == "stable" || mode == "native", "swap.mode must be stable or native, got %q", s.Swap.Mode)
	if lo, hi, err := s.Amounts(); err != nil {
		errs = append(errs, err)
	} else {
		check(lo.IsPositive(), "swap.min_amount must be positive")
		check(lo.LessThanOrEqual(hi), "swap.min_amount %s is above swap.max_amount %s", lo, hi)
	}
	check(s.Swap.TxCount >= 0, "swap.tx_count must not be negative")
	check(s.Swap.GasMarginPct >= 0, "swap.gas_margin_pct must not be negative")
	check(s.Swap.Deadline > 0, "swap.deadline must be positive")

	if err := s.TxDelay().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("delay.tx: %w", err))
	}
	if err := s.WalletDelay().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("delay.wallet: %w", err))
	}

	check(s.Retry.Base >= 0, "retry.base must not be negative")
	check(s.Retry.Login >= 0 && s.Retry.CheckIn >= 0 && s.Retry.Swap >= 0, "retry counts must not be negative")
	check(s.Retry.Login <= maxRetries && s.Retry.CheckIn <= maxRetries && s.Retry.Swap <= maxRetries,
		"retry counts must be at most %d", maxRetries)
	check(s.Cycle.Interval > 0, "cycle.interval must be positive")

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
