package main

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-audit/internal/backend"
	"procodus.dev/iot-audit/pkg/metatx"
)

var backendCmd = &cobra.Command{
	Use:   "backend",
	Short: "Run the ingestion backend",
	Long: `Run the ingestion backend that:
- Consumes signed readings from RabbitMQ and verifies their signatures
- Consumes device announcements from RabbitMQ
- Persists readings to PostgreSQL or SQLite
- Serves the audit gRPC API`,
	RunE: runBackend,
}

func init() {
	rootCmd.AddCommand(backendCmd)

	addDatabaseFlags(backendCmd, "backend")

	// Backend-specific flags
	backendCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	backendCmd.Flags().String("queue-name", "readings", "RabbitMQ queue name for signed readings")
	backendCmd.Flags().String("device-queue-name", "devices", "RabbitMQ queue name for device announcements")
	backendCmd.Flags().Int("grpc-port", 9090, "gRPC server port")
	backendCmd.Flags().String("chain-url", "", "JSON-RPC endpoint used for device registry checks (optional)")
	backendCmd.Flags().Int64("chain-id", 0, "chain id used in signature domains when no chain URL is set")
	backendCmd.Flags().String("audit-contract", "", "address of the audit contract")
	backendCmd.Flags().String("record-domain-name", metatx.DefaultRecordDomainName, "EIP-712 domain name of signed records")
	backendCmd.Flags().String("record-domain-version", metatx.DefaultRecordDomainVersion, "EIP-712 domain version of signed records")
	backendCmd.Flags().String("metrics-addr", ":2112", "metrics listen address (empty disables)")

	bindFlags(backendCmd, map[string]string{
		"backend.rabbitmq.url":                "rabbitmq-url",
		"backend.rabbitmq.queue_name":         "queue-name",
		"backend.rabbitmq.device_queue_name":  "device-queue-name",
		"backend.grpc.port":                   "grpc-port",
		"backend.chain.url":                   "chain-url",
		"backend.chain.id":                    "chain-id",
		"backend.chain.audit_contract":        "audit-contract",
		"backend.chain.record_domain_name":    "record-domain-name",
		"backend.chain.record_domain_version": "record-domain-version",
		"backend.metrics.addr":                "metrics-addr",
	})
}

func runBackend(_ *cobra.Command, _ []string) error {
	logger := GetLogger("backend")
	logger.Info("starting backend service")

	// Create backend configuration from viper
	config := &backend.ServerConfig{
		Logger:              logger,
		Database:            databaseConfig("backend"),
		RabbitMQURL:         viper.GetString("backend.rabbitmq.url"),
		QueueName:           viper.GetString("backend.rabbitmq.queue_name"),
		DeviceQueueName:     viper.GetString("backend.rabbitmq.device_queue_name"),
		GRPCPort:            viper.GetInt("backend.grpc.port"),
		ChainURL:            viper.GetString("backend.chain.url"),
		ChainID:             viper.GetInt64("backend.chain.id"),
		AuditContract:       viper.GetString("backend.chain.audit_contract"),
		RecordDomainName:    viper.GetString("backend.chain.record_domain_name"),
		RecordDomainVersion: viper.GetString("backend.chain.record_domain_version"),
		RetryFailedSubcalls: viper.GetBool("audit.retry_failed_subcalls"),
		MetricsAddr:         viper.GetString("backend.metrics.addr"),
	}

	// Create and run server
	server, err := backend.NewServer(config)
	if err != nil {
		logger.Error("failed to create backend server", "error", err)
		return err
	}

	logger.Info("backend server configuration",
		"db_driver", config.Database.Driver,
		"db_host", config.Database.Host,
		"db_name", config.Database.DBName,
		"rabbitmq_url", config.RabbitMQURL,
		"reading_queue", config.QueueName,
		"device_queue", config.DeviceQueueName,
		"grpc_port", config.GRPCPort,
		"chain_url", config.ChainURL,
		"audit_contract", config.AuditContract,
		"retry_failed_subcalls", config.RetryFailedSubcalls,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("backend server error", "error", err)
		return err
	}

	logger.Info("backend server stopped")
	return nil
}
