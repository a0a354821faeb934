package backend_test

import (
	"log/slog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-audit/internal/backend"
	"procodus.dev/iot-audit/internal/store"
)

var _ = Describe("Backend Server", func() {
	var (
		logger *slog.Logger
		config *backend.ServerConfig
	)

	BeforeEach(func() {
		logger = newTestLogger()
		config = &backend.ServerConfig{
			Logger: logger,
			Database: store.DBConfig{
				Driver:   store.DriverPostgres,
				Host:     "localhost",
				Port:     5432,
				User:     "test",
				Password: "password",
				DBName:   "testdb",
				SSLMode:  "disable",
			},
			RabbitMQURL:     "amqp://localhost:5672",
			QueueName:       "readings",
			DeviceQueueName: "devices",
			GRPCPort:        9090,
			ChainID:         1281,
			AuditContract:   auditContract.String(),
		}
	})

	Describe("NewServer", func() {
		Context("with valid configuration", func() {
			It("should create a server", func() {
				server, err := backend.NewServer(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should create a server with an empty database password", func() {
				config.Database.Password = ""
				server, err := backend.NewServer(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should create a server backed by sqlite", func() {
				config.Database = store.DBConfig{Driver: store.DriverSQLite, Path: "audit.db"}
				server, err := backend.NewServer(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should take the chain id from the node when a chain URL is set", func() {
				config.ChainID = 0
				config.ChainURL = "http://localhost:9933"
				server, err := backend.NewServer(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})
		})

		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				server, err := backend.NewServer(nil)
				Expect(err).To(MatchError(ContainSubstring("config cannot be nil")))
				Expect(server).To(BeNil())
			})

			DescribeTable("should reject the configuration",
				func(mutate func(*backend.ServerConfig), message string) {
					mutate(config)
					server, err := backend.NewServer(config)
					Expect(err).To(MatchError(ContainSubstring(message)))
					Expect(server).To(BeNil())
				},
				Entry("without a logger", func(c *backend.ServerConfig) { c.Logger = nil }, "logger"),
				Entry("without a RabbitMQ URL", func(c *backend.ServerConfig) { c.RabbitMQURL = "" }, "rabbitmq URL"),
				Entry("without a reading queue", func(c *backend.ServerConfig) { c.QueueName = "" }, "queue name"),
				Entry("without a device queue", func(c *backend.ServerConfig) { c.DeviceQueueName = "" }, "device queue name"),
				Entry("without a database host", func(c *backend.ServerConfig) { c.Database.Host = "" }, "database host"),
				Entry("with a zero database port", func(c *backend.ServerConfig) { c.Database.Port = 0 }, "database port"),
				Entry("without a database user", func(c *backend.ServerConfig) { c.Database.User = "" }, "database user"),
				Entry("without a database name", func(c *backend.ServerConfig) { c.Database.DBName = "" }, "database name"),
				Entry("without a sqlite path", func(c *backend.ServerConfig) {
					c.Database = store.DBConfig{Driver: store.DriverSQLite}
				}, "sqlite path"),
				Entry("with a zero gRPC port", func(c *backend.ServerConfig) { c.GRPCPort = 0 }, "gRPC port"),
				Entry("with a negative gRPC port", func(c *backend.ServerConfig) { c.GRPCPort = -1 }, "gRPC port"),
				Entry("with a malformed audit contract", func(c *backend.ServerConfig) { c.AuditContract = "0x1234" }, "audit contract"),
				Entry("without a chain id or chain URL", func(c *backend.ServerConfig) { c.ChainID = 0 }, "chain id"),
			)
		})
	})

	Describe("Shutdown", func() {
		It("should succeed before Run", func() {
			server, err := backend.NewServer(config)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Shutdown()).To(Succeed())
		})

		It("should be idempotent", func() {
			server, err := backend.NewServer(config)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Shutdown()).To(Succeed())
			Expect(server.Shutdown()).To(Succeed())
		})
	})
})
