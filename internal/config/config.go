package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. RXLEDGER_PG_DSN.
const EnvPrefix = "RXLEDGER"

// Mirror store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreNone     = "none"
)

// Config is built once at startup and shared by every command and flow.
type Config struct {
	RPCURL          string
	ContractAddress string
	ExplorerURL     string
	PrivateKey      string
	ChainID         uint64
	GasLimit        uint64

	Listen        string
	Store         string
	PGDSN         string
	MongoURI      string
	MongoDatabase string
	AMQPURL       string
	AMQPExchange  string
	AuditLog      string
	Timezone      string
	LogLevel      string
	MirrorRetries int
	MirrorBackoff time.Duration

	Audit AuditConfig
}

// AuditConfig drives the ledger event audit.
type AuditConfig struct {
	FromBlock         uint64
	ToBlock           uint64
	BatchSize         uint64
	Out               string
	Errors            string
	Checkpoint        string
	CheckpointEnabled bool
	MaxRetries        int
	RetryBackoff      time.Duration
}

// Load reads an optional dotenv file, then merges config file, environment
// variables and flags into Config. Variables already in the environment win
// over the dotenv file.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	envFile := ".env"
	if flags != nil {
		if f := flags.Lookup("env-file"); f != nil && f.Value.String() != "" {
			envFile = f.Value.String()
		}
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("contract-address", "0x1")
	v.SetDefault("explorer-url", "https://testnet.bscscan.com/tx/{tx}")
	v.SetDefault("gas-limit", uint64(300000))
	v.SetDefault("listen", ":8080")
	v.SetDefault("store", StoreMemory)
	v.SetDefault("mongo-database", "rxledger")
	v.SetDefault("amqp-exchange", "rxledger.prescriptions")
	v.SetDefault("timezone", "Local")
	v.SetDefault("log-level", "info")
	v.SetDefault("mirror-retries", 3)
	v.SetDefault("mirror-backoff", 500*time.Millisecond)

	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("out", "./data/ledger_events.jsonl")
	v.SetDefault("errors", "./data/audit_errors.jsonl")
	v.SetDefault("checkpoint", "./data/audit_checkpoint.json")
	v.SetDefault("checkpoint-enabled", true)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:          v.GetString("rpc"),
		ContractAddress: strings.TrimSpace(v.GetString("contract-address")),
		ExplorerURL:     v.GetString("explorer-url"),
		PrivateKey:      v.GetString("private-key"),
		ChainID:         v.GetUint64("chain-id"),
		GasLimit:        v.GetUint64("gas-limit"),
		Listen:          v.GetString("listen"),
		Store:           strings.ToLower(v.GetString("store")),
		PGDSN:           v.GetString("pg-dsn"),
		MongoURI:        v.GetString("mongo-uri"),
		MongoDatabase:   v.GetString("mongo-database"),
		AMQPURL:         v.GetString("amqp-url"),
		AMQPExchange:    v.GetString("amqp-exchange"),
		AuditLog:        v.GetString("audit-log"),
		Timezone:        v.GetString("timezone"),
		LogLevel:        v.GetString("log-level"),
		MirrorRetries:   v.GetInt("mirror-retries"),
		MirrorBackoff:   v.GetDuration("mirror-backoff"),
		Audit: AuditConfig{
			FromBlock:         v.GetUint64("from"),
			ToBlock:           v.GetUint64("to"),
			BatchSize:         v.GetUint64("batch-size"),
			Out:               v.GetString("out"),
			Errors:            v.GetString("errors"),
			Checkpoint:        v.GetString("checkpoint"),
			CheckpointEnabled: v.GetBool("checkpoint-enabled"),
			MaxRetries:        v.GetInt("max-retries"),
			RetryBackoff:      v.GetDuration("retry-backoff"),
		},
	}

	return cfg, nil
}

// Validate checks settings that every command depends on.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreNone:
	case StorePostgres:
		if c.PGDSN == "" {
			return fmt.Errorf("store %s requires pg-dsn", c.Store)
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("store %s requires mongo-uri", c.Store)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.MirrorRetries < 0 {
		return fmt.Errorf("mirror-retries must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves Timezone. Empty and "Local" mean the host zone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %s: %w", c.Timezone, err)
	}
	return loc, nil
}

// Redacted returns c with secrets masked, suitable for logging.
func (c Config) Redacted() Config {
	c.PrivateKey = redact(c.PrivateKey)
	c.PGDSN = redact(c.PGDSN)
	c.MongoURI = redact(c.MongoURI)
	c.AMQPURL = redact(c.AMQPURL)
	return c
}

func redact(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}
