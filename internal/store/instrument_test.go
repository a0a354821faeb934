package store_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"procodus.dev/iot-audit/internal/store"
)

var _ = Describe("Instrument", func() {
	var (
		ctx  context.Context
		repo *store.GormRepository
		m    store.OperationMetrics
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger := newTestLogger()

		db, err := store.NewDB(&store.DBConfig{Logger: logger, Driver: store.DriverSQLite, Path: ":memory:"})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = store.CloseDB(db, logger) })

		m = store.OperationMetrics{
			Operations: prometheus.NewCounterVec(prometheus.CounterOpts{Name: "db_operations_total"},
				[]string{"operation", "table", "status"}),
			Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "db_operation_duration_seconds"},
				[]string{"operation", "table"}),
			Connections: prometheus.NewGauge(prometheus.GaugeOpts{Name: "db_connections_active"}),
		}
		Expect(store.Instrument(db, m)).To(Succeed())

		repo, err = store.NewRepository(db, logger)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should reject missing arguments", func() {
		Expect(store.Instrument(nil, m)).To(MatchError(ContainSubstring("database cannot be nil")))
	})

	It("should count inserts per table", func() {
		Expect(repo.InsertReading(ctx, permitted(deviceA, now, now+60))).To(Succeed())
		Expect(repo.InsertReading(ctx, permitted(deviceB, now, now+60))).To(Succeed())

		Expect(testutil.ToFloat64(m.Operations.WithLabelValues("insert", "readings", "success"))).To(Equal(2.0))
		Expect(testutil.CollectAndCount(m.Duration)).To(BeNumerically(">=", 1))
	})

	It("should count lookups of missing rows as successful", func() {
		device, err := repo.FindDevice(ctx, deviceC)
		Expect(err).NotTo(HaveOccurred())
		Expect(device).To(BeNil())

		Expect(testutil.ToFloat64(m.Operations.WithLabelValues("select", "devices", "success"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(m.Operations.WithLabelValues("select", "devices", "error"))).To(BeZero())
	})
})
