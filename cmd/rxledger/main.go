package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	root := &cobra.Command{
		Use:          "rxledger",
		Short:        "Ledger-backed prescription issuance and verification",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file path")
	flags.String("env-file", "", "dotenv file loaded before the environment (default .env)")
	flags.String("rpc", "", "chain RPC URL")
	flags.String("contract-address", "", "prescription contract address (0x1 means not deployed)")
	flags.String("explorer-url", "", "explorer URL template with {tx} and {network}")
	flags.String("private-key", "", "hex signing key of the doctor or pharmacist wallet")
	flags.Uint64("chain-id", 0, "chain id, 0 asks the node")
	flags.Uint64("gas-limit", 0, "gas limit used when estimation fails")
	flags.String("store", "", "mirror store: memory, postgres, mongo or none")
	flags.String("pg-dsn", "", "Postgres DSN")
	flags.String("mongo-uri", "", "MongoDB URI")
	flags.String("mongo-database", "", "MongoDB database")
	flags.String("amqp-url", "", "AMQP URL for prescription events")
	flags.String("amqp-exchange", "", "AMQP topic exchange")
	flags.String("audit-log", "", "append prescription events to this JSONL file")
	flags.String("timezone", "", "IANA zone for reports, Local by default")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Int("mirror-retries", 3, "retries for background mirror writes")
	flags.Duration("mirror-backoff", 500*time.Millisecond, "initial backoff for mirror retries")

	root.AddCommand(
		newServeCmd(),
		newHashCmd(),
		newIssueCmd(),
		newVerifyCmd(),
		newMarkUsedCmd(),
		newQRCmd(),
		newExportCmd(),
		newAuditCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
