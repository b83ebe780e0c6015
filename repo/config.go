package repo

import (
	"time"
)

type Config struct {
	RepoRoot   string     `mapstructure:"-" toml:"-"`
	Log        Log        `mapstructure:"log" toml:"log"`
	Storage    Storage    `mapstructure:"storage" toml:"storage"`
	Scheduler  Scheduler  `mapstructure:"scheduler" toml:"scheduler"`
	Settlement Settlement `mapstructure:"settlement" toml:"settlement"`
	Events     Events     `mapstructure:"events" toml:"events"`
	Redis      Redis      `mapstructure:"redis" toml:"redis"`
	Metrics    Metrics    `mapstructure:"metrics" toml:"metrics"`
	Tracing    Tracing    `mapstructure:"tracing" toml:"tracing"`
}

type Log struct {
	Level        string        `mapstructure:"level" toml:"level"`
	Filename     string        `mapstructure:"filename" toml:"filename"`
	ReportCaller bool          `mapstructure:"report_caller" toml:"report_caller"`
	MaxAge       time.Duration `mapstructure:"max_age" toml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" toml:"rotation_time"`
}

type Storage struct {
	// sqlite or postgres
	Driver string `mapstructure:"driver" toml:"driver"`
	// file path for sqlite, connection string for postgres;
	// an empty sqlite dsn means <repo>/milestoned.db
	DSN          string `mapstructure:"dsn" toml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" toml:"max_open_conns"`
}

type Scheduler struct {
	Interval time.Duration `mapstructure:"interval" toml:"interval"`
	// only one replica sweeps at a time when redis is configured
	LockTTL time.Duration `mapstructure:"lock_ttl" toml:"lock_ttl"`
}

type Settlement struct {
	// mock or eth
	Mode            string        `mapstructure:"mode" toml:"mode"`
	DialUrl         string        `mapstructure:"dial_url" toml:"dial_url"`
	ContractAddress string        `mapstructure:"contract_address" toml:"contract_address"`
	PrivateKey      string        `mapstructure:"private_key" toml:"private_key"`
	ChainID         uint64        `mapstructure:"chain_id" toml:"chain_id"`
	TokenDecimals   int32         `mapstructure:"token_decimals" toml:"token_decimals"`
	GasLimit        uint64        `mapstructure:"gas_limit" toml:"gas_limit"`
	RetryAttempts   uint          `mapstructure:"retry_attempts" toml:"retry_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff" toml:"retry_backoff"`
	PollInterval    time.Duration `mapstructure:"poll_interval" toml:"poll_interval"`
	BatchSize       int           `mapstructure:"batch_size" toml:"batch_size"`
	ClaimTimeout    time.Duration `mapstructure:"claim_timeout" toml:"claim_timeout"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout" toml:"confirm_timeout"`
}

type Events struct {
	// empty brokers means events are only logged
	KafkaBrokers []string `mapstructure:"kafka_brokers" toml:"kafka_brokers"`
	Topic        string   `mapstructure:"topic" toml:"topic"`
}

type Redis struct {
	// empty addr disables the distributed sweep lock
	Addr     string `mapstructure:"addr" toml:"addr"`
	Password string `mapstructure:"password" toml:"password"`
	DB       int    `mapstructure:"db" toml:"db"`
}

type Metrics struct {
	// empty addr disables the /metrics endpoint
	ListenAddr string `mapstructure:"listen_addr" toml:"listen_addr"`
}

type Tracing struct {
	// empty endpoint keeps the no-op tracer
	JaegerEndpoint string `mapstructure:"jaeger_endpoint" toml:"jaeger_endpoint"`
	ServiceName    string `mapstructure:"service_name" toml:"service_name"`
}

func DefaultConfig(repoRoot string) *Config {
	return &Config{
		RepoRoot: repoRoot,
		Log: Log{
			Level:        "info",
			Filename:     "milestoned.log",
			ReportCaller: false,
			MaxAge:       30 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
		Storage: Storage{
			Driver:       "sqlite",
			DSN:          "",
			MaxOpenConns: 1,
		},
		Scheduler: Scheduler{
			Interval: 30 * time.Minute,
			LockTTL:  10 * time.Minute,
		},
		Settlement: Settlement{
			Mode:            "mock",
			DialUrl:         "ws://localhost:8546",
			ContractAddress: "",
			PrivateKey:      "",
			ChainID:         1337,
			TokenDecimals:   18,
			GasLimit:        300000,
			RetryAttempts:   5,
			RetryBackoff:    2 * time.Second,
			PollInterval:    15 * time.Second,
			BatchSize:       50,
			ClaimTimeout:    10 * time.Minute,
			ConfirmTimeout:  time.Hour,
		},
		Events: Events{
			KafkaBrokers: []string{},
			Topic:        "milestone-events",
		},
		Redis: Redis{
			Addr: "",
			DB:   0,
		},
		Metrics: Metrics{
			ListenAddr: ":9464",
		},
		Tracing: Tracing{
			JaegerEndpoint: "",
			ServiceName:    "milestoned",
		},
	}
}
