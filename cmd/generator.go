package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/iot-audit/internal/producer"
	"procodus.dev/iot-audit/pkg/generator"
	"procodus.dev/iot-audit/pkg/metatx"
)

var generatorCmd = &cobra.Command{
	Use:   "generator",
	Short: "Run the device simulator",
	Long: `Run the device simulator that:
- Creates simulated devices with their own signing keys
- Publishes device announcements to RabbitMQ
- Publishes EIP-712 signed readings to RabbitMQ
- Attaches call permits to every n-th reading of a device`,
	RunE: runGenerator,
}

func init() {
	rootCmd.AddCommand(generatorCmd)

	// Generator-specific flags
	generatorCmd.Flags().String("rabbitmq-url", "amqp://localhost:5672", "RabbitMQ URL")
	generatorCmd.Flags().String("queue-name", "readings", "RabbitMQ queue name for signed readings")
	generatorCmd.Flags().String("device-queue-name", "devices", "RabbitMQ queue name for device announcements")
	generatorCmd.Flags().Int("producer-count", 5, "Number of concurrent producers")
	generatorCmd.Flags().Int("devices-per-producer", 2, "Number of simulated devices per producer")
	generatorCmd.Flags().StringSlice("device-keys", nil, "hex private keys for the first devices")
	generatorCmd.Flags().Duration("interval", 5*time.Second, "Interval between readings of one producer")
	generatorCmd.Flags().String("auditor", "", "auditor address owning the simulated devices")
	generatorCmd.Flags().Int("permit-every", 10, "attach a permit to every n-th reading of a device (0 disables)")
	generatorCmd.Flags().Duration("permit-ttl", generator.DefaultPermitTTL, "lifetime of a signed permit")
	generatorCmd.Flags().String("chain-url", "", "JSON-RPC endpoint used to read permit nonces (optional)")
	generatorCmd.Flags().Int64("chain-id", 0, "chain id used in signature domains when no chain URL is set")
	generatorCmd.Flags().String("audit-contract", "", "address of the audit contract")
	generatorCmd.Flags().String("record-domain-name", metatx.DefaultRecordDomainName, "EIP-712 domain name of signed records")
	generatorCmd.Flags().String("record-domain-version", metatx.DefaultRecordDomainVersion, "EIP-712 domain version of signed records")
	generatorCmd.Flags().String("metrics-addr", ":2114", "metrics listen address (empty disables)")

	bindFlags(generatorCmd, map[string]string{
		"generator.rabbitmq.url":                "rabbitmq-url",
		"generator.rabbitmq.queue_name":         "queue-name",
		"generator.rabbitmq.device_queue_name":  "device-queue-name",
		"generator.producer_count":              "producer-count",
		"generator.devices_per_producer":        "devices-per-producer",
		"generator.device_keys":                 "device-keys",
		"generator.interval":                    "interval",
		"generator.auditor":                     "auditor",
		"generator.permit.every":                "permit-every",
		"generator.permit.ttl":                  "permit-ttl",
		"generator.chain.url":                   "chain-url",
		"generator.chain.id":                    "chain-id",
		"generator.chain.audit_contract":        "audit-contract",
		"generator.chain.record_domain_name":    "record-domain-name",
		"generator.chain.record_domain_version": "record-domain-version",
		"generator.metrics.addr":                "metrics-addr",
	})
}

func runGenerator(_ *cobra.Command, _ []string) error {
	logger := GetLogger("generator")
	logger.Info("starting generator service")

	// Create producer configuration from viper
	config := &producer.ServerConfig{
		Logger:              logger,
		RabbitMQURL:         viper.GetString("generator.rabbitmq.url"),
		QueueName:           viper.GetString("generator.rabbitmq.queue_name"),
		DeviceQueueName:     viper.GetString("generator.rabbitmq.device_queue_name"),
		ProducerCount:       viper.GetInt("generator.producer_count"),
		DevicesPerProducer:  viper.GetInt("generator.devices_per_producer"),
		DeviceKeys:          viper.GetStringSlice("generator.device_keys"),
		Interval:            viper.GetDuration("generator.interval"),
		AuditorAddress:      viper.GetString("generator.auditor"),
		PermitEvery:         viper.GetInt("generator.permit.every"),
		PermitTTL:           viper.GetDuration("generator.permit.ttl"),
		ChainURL:            viper.GetString("generator.chain.url"),
		ChainID:             viper.GetInt64("generator.chain.id"),
		AuditContract:       viper.GetString("generator.chain.audit_contract"),
		RecordDomainName:    viper.GetString("generator.chain.record_domain_name"),
		RecordDomainVersion: viper.GetString("generator.chain.record_domain_version"),
		MetricsAddr:         viper.GetString("generator.metrics.addr"),
	}

	// Create and run server
	server, err := producer.NewServer(config)
	if err != nil {
		logger.Error("failed to create generator server", "error", err)
		return err
	}

	logger.Info("generator server configuration",
		"rabbitmq_url", config.RabbitMQURL,
		"reading_queue", config.QueueName,
		"device_queue", config.DeviceQueueName,
		"producer_count", config.ProducerCount,
		"devices_per_producer", config.DevicesPerProducer,
		"interval", config.Interval,
		"permit_every", config.PermitEvery,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("generator server error", "error", err)
		return err
	}

	logger.Info("generator server stopped")
	return nil
}
