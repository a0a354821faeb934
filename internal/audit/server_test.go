package audit_test

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-audit/internal/audit"
	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/chain"
)

var _ = Describe("Relay Server", func() {
	var config *audit.ServerConfig

	BeforeEach(func() {
		config = &audit.ServerConfig{
			Logger: newTestLogger(),
			Database: store.DBConfig{
				Driver: store.DriverSQLite,
				Path:   ":memory:",
			},
			Chain: chain.Config{
				URL:        "http://localhost:9944",
				PrivateKey: "0x5fb92d6e98884f76de468fa3f6278f8807c48bebc13595d45af5bdc4da702133",
			},
			AuditContract: "0x5555555555555555555555555555555555555555",
			Interval:      12 * time.Second,
		}
	})

	It("should create a server with defaults", func() {
		server, err := audit.NewServer(config)
		Expect(err).NotTo(HaveOccurred())
		Expect(server).NotTo(BeNil())
	})

	It("should accept batchAll", func() {
		config.BatchMode = "all"
		_, err := audit.NewServer(config)
		Expect(err).NotTo(HaveOccurred())
	})

	DescribeTable("should reject invalid configuration",
		func(mutate func(*audit.ServerConfig), msg string) {
			mutate(config)
			server, err := audit.NewServer(config)
			Expect(err).To(MatchError(ContainSubstring(msg)))
			Expect(server).To(BeNil())
		},
		Entry("nil logger", func(c *audit.ServerConfig) { c.Logger = nil }, "logger"),
		Entry("no chain URL", func(c *audit.ServerConfig) { c.Chain.URL = "" }, "chain URL"),
		Entry("no key", func(c *audit.ServerConfig) { c.Chain.PrivateKey = "" }, "private key"),
		Entry("bad contract", func(c *audit.ServerConfig) { c.AuditContract = "0x12" }, "audit contract"),
		Entry("bad mode", func(c *audit.ServerConfig) { c.BatchMode = "most" }, "batch mode"),
		Entry("batch too large", func(c *audit.ServerConfig) { c.MaxBatchSize = 100 }, "batch size"),
		Entry("no interval", func(c *audit.ServerConfig) { c.Interval = 0 }, "interval"),
		Entry("negative onboarding interval", func(c *audit.ServerConfig) { c.OnboardingInterval = -time.Second }, "onboarding interval"),
	)

	It("should reject a nil config", func() {
		_, err := audit.NewServer(nil)
		Expect(err).To(HaveOccurred())
	})
})
