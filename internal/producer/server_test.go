package producer_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-audit/internal/producer"
)

var _ = Describe("Producer Server", func() {
	var config *producer.ServerConfig

	BeforeEach(func() {
		config = &producer.ServerConfig{
			Logger:             newTestLogger(),
			RabbitMQURL:        "amqp://localhost:5672",
			QueueName:          "readings",
			DeviceQueueName:    "devices",
			ProducerCount:      2,
			DevicesPerProducer: 3,
			Interval:           5 * time.Second,
			AuditorAddress:     auditor.String(),
			AuditContract:      auditContract.String(),
			ChainID:            1281,
			PermitEvery:        4,
		}
	})

	Describe("NewServer", func() {
		Context("with valid configuration", func() {
			It("should create a server", func() {
				server, err := producer.NewServer(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should create server with small interval", func() {
				config.Interval = 100 * time.Millisecond
				server, err := producer.NewServer(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should accept fixed device keys", func() {
				config.DeviceKeys = []string{
					"0x8f2a55949038a9610f50fb23b5883af3b4ecb3c3bb792cbcefbd1542c692be63",
				}
				server, err := producer.NewServer(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})

			It("should accept a chain URL instead of a chain id", func() {
				config.ChainID = 0
				config.ChainURL = "http://localhost:9933"
				server, err := producer.NewServer(config)
				Expect(err).NotTo(HaveOccurred())
				Expect(server).NotTo(BeNil())
			})
		})

		Context("with invalid configuration", func() {
			It("should return error when config is nil", func() {
				server, err := producer.NewServer(nil)
				Expect(err).To(HaveOccurred())
				Expect(server).To(BeNil())
			})

			DescribeTable("should reject the configuration",
				func(mutate func(*producer.ServerConfig), message string) {
					mutate(config)
					server, err := producer.NewServer(config)
					Expect(err).To(MatchError(ContainSubstring(message)))
					Expect(server).To(BeNil())
				},
				Entry("without a logger", func(c *producer.ServerConfig) { c.Logger = nil }, "logger is required"),
				Entry("with zero producers", func(c *producer.ServerConfig) { c.ProducerCount = 0 }, "producer count"),
				Entry("with negative producers", func(c *producer.ServerConfig) { c.ProducerCount = -1 }, "producer count"),
				Entry("with zero devices", func(c *producer.ServerConfig) { c.DevicesPerProducer = 0 }, "devices per producer"),
				Entry("with zero interval", func(c *producer.ServerConfig) { c.Interval = 0 }, "interval"),
				Entry("with negative interval", func(c *producer.ServerConfig) { c.Interval = -time.Second }, "interval"),
				Entry("without a RabbitMQ URL", func(c *producer.ServerConfig) { c.RabbitMQURL = "" }, "rabbitmq URL"),
				Entry("without a device queue", func(c *producer.ServerConfig) { c.DeviceQueueName = "" }, "queue names"),
				Entry("with a negative permit interval", func(c *producer.ServerConfig) { c.PermitEvery = -1 }, "permit interval"),
				Entry("with more keys than devices", func(c *producer.ServerConfig) {
					c.ProducerCount, c.DevicesPerProducer = 1, 1
					c.DeviceKeys = []string{"0x01", "0x02"}
				}, "device keys"),
				Entry("with a malformed auditor", func(c *producer.ServerConfig) { c.AuditorAddress = "auditor" }, "auditor address"),
				Entry("with a malformed audit contract", func(c *producer.ServerConfig) { c.AuditContract = "" }, "audit contract"),
				Entry("without a chain id or chain URL", func(c *producer.ServerConfig) { c.ChainID = 0 }, "chain id"),
			)
		})
	})

	Describe("Shutdown", func() {
		It("should succeed before Run", func() {
			server, err := producer.NewServer(config)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Shutdown()).To(Succeed())
		})
	})
})
