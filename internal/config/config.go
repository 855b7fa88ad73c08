package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	DB       DBConfig       `mapstructure:"db"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Matching MatchingConfig `mapstructure:"matching"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Relayer  RelayerConfig  `mapstructure:"relayer"`
	MetaTx   MetaTxConfig   `mapstructure:"metatx"`
	Cron     CronConfig     `mapstructure:"cron"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
}

// ChainConfig describes the execution layer the relayer and directory talk to.
type ChainConfig struct {
	RPCURL       string        `mapstructure:"rpc_url"`
	ChainID      int64         `mapstructure:"chain_id"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RelayerKey   string        `mapstructure:"relayer_key"`
	ProxyFactory string        `mapstructure:"proxy_factory"`
	ProxyImpl    string        `mapstructure:"proxy_impl"`
	Exchange     string        `mapstructure:"exchange"`
	Conditional  string        `mapstructure:"conditional"`
	Collateral   string        `mapstructure:"collateral"`
}

type MatchingConfig struct {
	PriceTolerance  float64       `mapstructure:"price_tolerance"`
	DepthTTL        time.Duration `mapstructure:"depth_ttl"`
	StopScan        string        `mapstructure:"stop_scan"`
	BroadcastLevels int           `mapstructure:"broadcast_levels"`
}

type ProxyConfig struct {
	StaleAfterBlocks uint64 `mapstructure:"stale_after_blocks"`
}

type RelayerConfig struct {
	ProcessInterval time.Duration `mapstructure:"process_interval"`
	InterTxDelay    time.Duration `mapstructure:"inter_tx_delay"`
	RateLimitCount  int           `mapstructure:"rate_limit_count"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	RetentionCap    int           `mapstructure:"retention_cap"`
	BalancePoll     string        `mapstructure:"balance_poll"`
	MinBalanceWei   string        `mapstructure:"min_balance_wei"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
}

type MetaTxConfig struct {
	MaxBatchSize int    `mapstructure:"max_batch_size"`
	GasCap       uint64 `mapstructure:"gas_cap"`
	ValueCapWei  string `mapstructure:"value_cap_wei"`
}

type CronConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

func Load(path string, envOnly bool) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("chain.rpc_url", "http://127.0.0.1:8545")
	v.SetDefault("chain.chain_id", 137)
	v.SetDefault("chain.timeout", "15s")
	v.SetDefault("matching.price_tolerance", 0.0001)
	v.SetDefault("matching.depth_ttl", "2s")
	v.SetDefault("matching.stop_scan", "@every 5s")
	v.SetDefault("matching.broadcast_levels", 10)
	v.SetDefault("proxy.stale_after_blocks", 50)
	v.SetDefault("relayer.process_interval", "3s")
	v.SetDefault("relayer.inter_tx_delay", "500ms")
	v.SetDefault("relayer.rate_limit_count", 10)
	v.SetDefault("relayer.rate_limit_window", "60s")
	v.SetDefault("relayer.retention_cap", 1000)
	v.SetDefault("relayer.balance_poll", "@every 5m")
	v.SetDefault("relayer.min_balance_wei", "100000000000000000")
	v.SetDefault("relayer.confirm_timeout", "90s")
	v.SetDefault("metatx.max_batch_size", 10)
	v.SetDefault("metatx.gas_cap", 3000000)
	v.SetDefault("metatx.value_cap_wei", "0")
	v.SetDefault("cron.enabled", true)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
