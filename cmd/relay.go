package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-audit/internal/audit"
	"procodus.dev/iot-audit/pkg/chain"
	"procodus.dev/iot-audit/pkg/contracts"
	"procodus.dev/iot-audit/pkg/metatx"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run the audit relay",
	Long: `Run the audit relay that:
- Collects pending readings from the database
- Batches storeRecord and permit calls into one transaction
- Records the emitted subcall events per reading
- Onboards new auditors on the audit contract`,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)

	addDatabaseFlags(relayCmd, "relay")

	// Chain flags
	relayCmd.Flags().String("chain-url", "http://localhost:9933", "JSON-RPC endpoint of the node")
	relayCmd.Flags().Int64("chain-id", 0, "expected chain id (0 uses the node's)")
	relayCmd.Flags().String("private-key", "", "hex private key of the relay account")
	relayCmd.Flags().Float64("gas-estimate-factor", 1.5, "multiplier applied to gas estimates")
	relayCmd.Flags().Duration("receipt-timeout", 2*time.Minute, "maximum wait for a transaction receipt")
	relayCmd.Flags().Duration("receipt-poll-interval", 2*time.Second, "delay between receipt polls")
	relayCmd.Flags().Duration("request-timeout", 30*time.Second, "timeout of each JSON-RPC request")
	relayCmd.Flags().String("audit-contract", "", "address of the audit contract")

	// Meta-transaction flags
	relayCmd.Flags().String("record-domain-name", metatx.DefaultRecordDomainName, "EIP-712 domain name of signed records")
	relayCmd.Flags().String("record-domain-version", metatx.DefaultRecordDomainVersion, "EIP-712 domain version of signed records")
	relayCmd.Flags().Uint64("permit-gas-limit", 0, "gas limit signed into permits (0 uses the builder default)")

	// Audit flags
	relayCmd.Flags().String("batch-mode", string(contracts.BatchSome), "batch precompile mode (some, all, some_until_failure)")
	relayCmd.Flags().Int("max-batch-size", audit.DefaultMaxBatchSize, "maximum readings per transaction")
	relayCmd.Flags().Duration("interval", 30*time.Second, "interval between audit ticks")
	relayCmd.Flags().Duration("initial-backoff", audit.DefaultInitialBackoff, "first delay after a failed tick")
	relayCmd.Flags().Duration("max-backoff", audit.DefaultMaxBackoff, "maximum delay after failed ticks")
	relayCmd.Flags().Duration("onboarding-interval", time.Minute, "interval between auditor onboarding runs (0 disables)")
	relayCmd.Flags().String("metrics-addr", ":2113", "metrics listen address (empty disables)")

	bindFlags(relayCmd, map[string]string{
		"relay.chain.url":                    "chain-url",
		"relay.chain.id":                     "chain-id",
		"relay.chain.private_key":            "private-key",
		"relay.chain.gas_estimate_factor":    "gas-estimate-factor",
		"relay.chain.receipt_timeout":        "receipt-timeout",
		"relay.chain.receipt_poll_interval":  "receipt-poll-interval",
		"relay.chain.request_timeout":        "request-timeout",
		"relay.chain.audit_contract":         "audit-contract",
		"relay.metatx.record_domain_name":    "record-domain-name",
		"relay.metatx.record_domain_version": "record-domain-version",
		"relay.metatx.permit_gas_limit":      "permit-gas-limit",
		"relay.audit.batch_mode":             "batch-mode",
		"relay.audit.max_batch_size":         "max-batch-size",
		"relay.audit.interval":               "interval",
		"relay.audit.initial_backoff":        "initial-backoff",
		"relay.audit.max_backoff":            "max-backoff",
		"relay.onboarding.interval":          "onboarding-interval",
		"relay.metrics.addr":                 "metrics-addr",
	})
}

func runRelay(_ *cobra.Command, _ []string) error {
	logger := GetLogger("relay")
	logger.Info("starting relay service")

	config := &audit.ServerConfig{
		Logger:   logger,
		Database: databaseConfig("relay"),
		Chain: chain.Config{
			URL:                 viper.GetString("relay.chain.url"),
			ChainID:             viper.GetInt64("relay.chain.id"),
			PrivateKey:          viper.GetString("relay.chain.private_key"),
			GasEstimateFactor:   viper.GetFloat64("relay.chain.gas_estimate_factor"),
			ReceiptTimeout:      viper.GetDuration("relay.chain.receipt_timeout"),
			ReceiptPollInterval: viper.GetDuration("relay.chain.receipt_poll_interval"),
			RequestTimeout:      viper.GetDuration("relay.chain.request_timeout"),
		},
		AuditContract:       viper.GetString("relay.chain.audit_contract"),
		RecordDomainName:    viper.GetString("relay.metatx.record_domain_name"),
		RecordDomainVersion: viper.GetString("relay.metatx.record_domain_version"),
		PermitGasLimit:      viper.GetUint64("relay.metatx.permit_gas_limit"),
		BatchMode:           viper.GetString("relay.audit.batch_mode"),
		MaxBatchSize:        viper.GetInt("relay.audit.max_batch_size"),
		RetryFailed:         viper.GetBool("audit.retry_failed_subcalls"),
		Interval:            viper.GetDuration("relay.audit.interval"),
		InitialBackoff:      viper.GetDuration("relay.audit.initial_backoff"),
		MaxBackoff:          viper.GetDuration("relay.audit.max_backoff"),
		OnboardingInterval:  viper.GetDuration("relay.onboarding.interval"),
		MetricsAddr:         viper.GetString("relay.metrics.addr"),
	}

	server, err := audit.NewServer(config)
	if err != nil {
		logger.Error("failed to create relay server", "error", err)
		return err
	}

	logger.Info("relay server configuration",
		"db_driver", config.Database.Driver,
		"chain_url", config.Chain.URL,
		"audit_contract", config.AuditContract,
		"batch_mode", config.BatchMode,
		"max_batch_size", config.MaxBatchSize,
		"interval", config.Interval,
		"retry_failed_subcalls", config.RetryFailed,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("relay server error", "error", err)
		return err
	}

	logger.Info("relay server stopped")
	return nil
}
