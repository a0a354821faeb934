package store_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"procodus.dev/iot-audit/internal/store"
)

const (
	auditorAddr = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	deviceA     = "0x1111111111111111111111111111111111111111"
	deviceB     = "0x2222222222222222222222222222222222222222"
	deviceC     = "0x3333333333333333333333333333333333333333"
	txHash      = "0x9999999999999999999999999999999999999999999999999999999999999999"
	now         = int64(1700000000)
)

func ptr[T any](v T) *T {
	return &v
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func permitted(device string, ts int64, deadline int64) *store.Reading {
	return &store.Reading{
		DeviceAddress:   device,
		Timestamp:       ts,
		Value:           ts * 10,
		Signature:       "0xrecord",
		PermitDeadline:  ptr(deadline),
		PermitSignature: ptr("0xpermit"),
	}
}

func eventFor(readingID uint, index uint64, eventType store.EventType) store.Event {
	return store.Event{
		TransactionHash: txHash,
		BlockHash:       "0x01",
		BlockNumber:     42,
		Address:         "0x0000000000000000000000000000000000000808",
		Topics:          store.Topics{"0xtopic"},
		Data:            fmt.Sprintf("0x%064x", index),
		EventType:       eventType,
		Index:           index,
		ReadingID:       readingID,
	}
}

func ids(readings []store.Reading) []uint {
	out := make([]uint, 0, len(readings))
	for _, r := range readings {
		out = append(out, r.ID)
	}
	return out
}

var _ = Describe("Repository", func() {
	var (
		ctx    context.Context
		logger *slog.Logger
		db     *gorm.DB
		repo   *store.GormRepository
	)

	insert := func(readings ...*store.Reading) {
		for _, r := range readings {
			Expect(repo.InsertReading(ctx, r)).To(Succeed())
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger = newTestLogger()

		var err error
		db, err = store.NewDB(&store.DBConfig{
			Logger: logger,
			Driver: store.DriverSQLite,
			Path:   ":memory:",
		})
		Expect(err).NotTo(HaveOccurred())

		repo, err = store.NewRepository(db, logger)
		Expect(err).NotTo(HaveOccurred())

		_, _, err = repo.UpsertAuditor(ctx, auditorAddr)
		Expect(err).NotTo(HaveOccurred())
		for i, addr := range []string{deviceA, deviceB, deviceC} {
			Expect(repo.UpsertDevice(ctx, &store.Device{
				Address:        addr,
				Name:           fmt.Sprintf("sensor-%d", i),
				AuditorAddress: auditorAddr,
			})).To(Succeed())
		}
	})

	AfterEach(func() {
		Expect(store.CloseDB(db, logger)).To(Succeed())
	})

	Describe("NewRepository", func() {
		It("should require a database and a logger", func() {
			_, err := store.NewRepository(nil, logger)
			Expect(err).To(HaveOccurred())

			_, err = store.NewRepository(db, nil)
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("FindUnauditedBatch", func() {
		It("should return the earliest permitted reading per device ordered by timestamp", func() {
			a2 := permitted(deviceA, 100, now+3600)
			a1 := permitted(deviceA, 50, now+3600)
			b1 := permitted(deviceB, 70, now+3600)
			c0 := &store.Reading{DeviceAddress: deviceC, Timestamp: 10, Value: 1, Signature: "0xrecord"}
			c1 := permitted(deviceC, 200, now+3600)
			insert(a2, a1, b1, c0, c1)

			batch, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now, MaxSize: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(batch)).To(Equal([]uint{a1.ID, b1.ID, c1.ID}))
			Expect(batch[0].DeviceAddress).To(Equal(deviceA))
			Expect(batch[0].Value).To(Equal(int64(500)))
			Expect(*batch[0].PermitDeadline).To(Equal(now + 3600))
			Expect(*batch[0].PermitSignature).To(Equal("0xpermit"))
		})

		It("should exclude expired permits without deleting them", func() {
			expired := permitted(deviceA, 10, now-1)
			boundary := permitted(deviceB, 15, now)
			live := permitted(deviceA, 20, now+1)
			insert(expired, boundary, live)

			batch, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now, MaxSize: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(batch)).To(Equal([]uint{live.ID}))

			count, err := repo.CountReadings(ctx, deviceA)
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(int64(2)))
		})

		It("should never return more than MaxSize readings", func() {
			insert(
				permitted(deviceA, 1, now+60),
				permitted(deviceB, 2, now+60),
				permitted(deviceC, 3, now+60),
			)

			batch, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now, MaxSize: 2})
			Expect(err).NotTo(HaveOccurred())
			Expect(batch).To(HaveLen(2))
			Expect(batch[0].DeviceAddress).To(Equal(deviceA))
			Expect(batch[1].DeviceAddress).To(Equal(deviceB))
		})

		It("should return the same batch until events are stored", func() {
			a1 := permitted(deviceA, 1, now+60)
			a2 := permitted(deviceA, 2, now+60)
			b1 := permitted(deviceB, 3, now+60)
			insert(a1, a2, b1)

			first, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now, MaxSize: 5})
			Expect(err).NotTo(HaveOccurred())
			second, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now, MaxSize: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(second)).To(Equal(ids(first)))

			Expect(repo.InsertEvents(ctx, []store.Event{
				eventFor(a1.ID, 0, store.EventSubcallSucceeded),
				eventFor(b1.ID, 1, store.EventSubcallFailed),
			})).To(Succeed())

			third, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now, MaxSize: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(third)).To(Equal([]uint{a2.ID}))
		})

		It("should select failed readings again when RetryFailed is set", func() {
			a1 := permitted(deviceA, 1, now+60)
			b1 := permitted(deviceB, 2, now+60)
			insert(a1, b1)

			Expect(repo.InsertEvents(ctx, []store.Event{
				eventFor(a1.ID, 0, store.EventSubcallSucceeded),
				eventFor(b1.ID, 1, store.EventSubcallFailed),
			})).To(Succeed())

			batch, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now, MaxSize: 5})
			Expect(err).NotTo(HaveOccurred())
			Expect(batch).To(BeEmpty())

			batch, err = repo.FindUnauditedBatch(ctx, store.Selection{Now: now, MaxSize: 5, RetryFailed: true})
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(batch)).To(Equal([]uint{b1.ID}))
		})

		It("should reject a non-positive size", func() {
			_, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now})
			Expect(err).To(HaveOccurred())
		})
	})

	Describe("InsertEvents", func() {
		It("should be idempotent per transaction hash and index", func() {
			a1 := permitted(deviceA, 1, now+60)
			b1 := permitted(deviceB, 2, now+60)
			insert(a1, b1)

			Expect(repo.InsertEvents(ctx, []store.Event{
				eventFor(a1.ID, 0, store.EventSubcallSucceeded),
				eventFor(b1.ID, 1, store.EventSubcallSucceeded),
			})).To(Succeed())
			Expect(repo.InsertEvents(ctx, []store.Event{
				eventFor(a1.ID, 0, store.EventSubcallSucceeded),
				eventFor(b1.ID, 1, store.EventSubcallSucceeded),
			})).To(Succeed())

			events, err := repo.ListEvents(ctx, a1.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(events).To(HaveLen(1))
			Expect(events[0].Index).To(Equal(uint64(0)))
			Expect(events[0].EventType).To(Equal(store.EventSubcallSucceeded))
			Expect(events[0].Topics).To(Equal(store.Topics{"0xtopic"}))
			Expect(events[0].BlockNumber).To(Equal(uint64(42)))
		})

		It("should accept an empty slice", func() {
			Expect(repo.InsertEvents(ctx, nil)).To(Succeed())
		})
	})

	Describe("IsAuditPending", func() {
		It("should follow the selection predicate for one device", func() {
			pending, err := repo.IsAuditPending(ctx, deviceA, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeFalse())

			a1 := permitted(deviceA, 1, now+60)
			insert(a1)

			pending, err = repo.IsAuditPending(ctx, deviceA, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeTrue())

			pending, err = repo.IsAuditPending(ctx, deviceB, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeFalse())

			By("expiring once the deadline passes")
			pending, err = repo.IsAuditPending(ctx, deviceA, now+60)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeFalse())

			By("clearing once the reading is audited")
			Expect(repo.InsertEvents(ctx, []store.Event{eventFor(a1.ID, 0, store.EventSubcallFailed)})).To(Succeed())
			pending, err = repo.IsAuditPending(ctx, deviceA, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeFalse())
		})

		It("should keep failed readings pending when failures are retried", func() {
			retrying, err := store.NewRepository(db, logger, store.WithRetryFailed(true))
			Expect(err).NotTo(HaveOccurred())

			a1 := permitted(deviceA, 1, now+60)
			insert(a1)
			Expect(retrying.InsertEvents(ctx, []store.Event{eventFor(a1.ID, 0, store.EventSubcallFailed)})).To(Succeed())

			pending, err := retrying.IsAuditPending(ctx, deviceA, now)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeTrue())
		})

		It("should match addresses case-insensitively", func() {
			insert(permitted("0xABCDEFabcdefABCDEFabcdefABCDEFabcdefABCD", 1, now+60))

			pending, err := repo.IsAuditPending(ctx, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", now)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeTrue())
		})
	})

	Describe("devices and auditors", func() {
		It("should return nil for an unknown device", func() {
			device, err := repo.FindDevice(ctx, "0x4444444444444444444444444444444444444444")
			Expect(err).NotTo(HaveOccurred())
			Expect(device).To(BeNil())
		})

		It("should update an existing device", func() {
			Expect(repo.UpsertDevice(ctx, &store.Device{
				Address:        deviceA,
				Name:           "renamed",
				AuditorAddress: auditorAddr,
			})).To(Succeed())

			device, err := repo.FindDevice(ctx, deviceA)
			Expect(err).NotTo(HaveOccurred())
			Expect(device).NotTo(BeNil())
			Expect(device.Name).To(Equal("renamed"))
			Expect(device.AuditorAddress).To(Equal(auditorAddr))
		})

		It("should create auditors onboarding-pending once", func() {
			auditor, created, err := repo.UpsertAuditor(ctx, "0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeTrue())
			Expect(auditor.Address).To(Equal("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"))
			Expect(auditor.IsOnboardingPending).To(BeTrue())

			again, created, err := repo.UpsertAuditor(ctx, "0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
			Expect(err).NotTo(HaveOccurred())
			Expect(created).To(BeFalse())
			Expect(again.Address).To(Equal(auditor.Address))
		})

		It("should list and clear pending auditors", func() {
			pending, err := repo.FindPendingAuditors(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(HaveLen(1))
			Expect(pending[0].Address).To(Equal(auditorAddr))

			Expect(repo.MarkAuditorOnboarded(ctx, auditorAddr)).To(Succeed())

			pending, err = repo.FindPendingAuditors(ctx, 10)
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).To(BeEmpty())

			auditor, err := repo.FindAuditor(ctx, auditorAddr)
			Expect(err).NotTo(HaveOccurred())
			Expect(auditor.IsOnboardingPending).To(BeFalse())
		})

		It("should fail to onboard an unknown auditor", func() {
			err := repo.MarkAuditorOnboarded(ctx, "0xcccccccccccccccccccccccccccccccccccccccc")
			Expect(errors.Is(err, gorm.ErrRecordNotFound)).To(BeTrue())
		})
	})

	Describe("ListReadings", func() {
		It("should page newest first with events attached", func() {
			a1 := permitted(deviceA, 1, now+60)
			a2 := permitted(deviceA, 2, now+60)
			a3 := permitted(deviceA, 3, now+60)
			insert(a1, a2, a3)
			Expect(repo.InsertEvents(ctx, []store.Event{eventFor(a1.ID, 0, store.EventSubcallSucceeded)})).To(Succeed())

			page, err := repo.ListReadings(ctx, deviceA, 0, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(page)).To(Equal([]uint{a3.ID, a2.ID}))
			Expect(page[0].Events).To(BeEmpty())

			page, err = repo.ListReadings(ctx, deviceA, 2, 2)
			Expect(err).NotTo(HaveOccurred())
			Expect(ids(page)).To(Equal([]uint{a1.ID}))
			Expect(page[0].Events).To(HaveLen(1))
			Expect(page[0].Events[0].TransactionHash).To(Equal(txHash))
		})
	})
})

var _ = Describe("Repository failures", func() {
	var (
		ctx  context.Context
		mock sqlmock.Sqlmock
		repo *store.GormRepository
	)

	BeforeEach(func() {
		ctx = context.Background()
		logger := newTestLogger()

		sqlDB, m, err := sqlmock.New()
		Expect(err).NotTo(HaveOccurred())
		mock = m
		DeferCleanup(func() {
			mock.ExpectClose()
			Expect(sqlDB.Close()).To(Succeed())
		})

		db, err := store.Open(postgres.New(postgres.Config{Conn: sqlDB}), logger)
		Expect(err).NotTo(HaveOccurred())

		repo, err = store.NewRepository(db, logger)
		Expect(err).NotTo(HaveOccurred())
	})

	It("should wrap selection errors", func() {
		mock.ExpectQuery("ROW_NUMBER").WillReturnError(errors.New("pop"))

		_, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now, MaxSize: 5})
		Expect(err).To(MatchError(ContainSubstring("pop")))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("should wrap event insert errors", func() {
		mock.ExpectBegin()
		mock.ExpectQuery(`INSERT INTO "audit_events"`).WillReturnError(errors.New("pop"))
		mock.ExpectRollback()

		err := repo.InsertEvents(ctx, []store.Event{eventFor(1, 0, store.EventSubcallSucceeded)})
		Expect(err).To(MatchError(ContainSubstring("pop")))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("should wrap device lookup errors", func() {
		mock.ExpectQuery(`SELECT .* FROM "devices"`).WillReturnError(errors.New("pop"))

		device, err := repo.FindDevice(ctx, deviceA)
		Expect(err).To(MatchError(ContainSubstring("pop")))
		Expect(device).To(BeNil())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("should wrap pending checks", func() {
		mock.ExpectQuery("SELECT count").WillReturnError(errors.New("pop"))

		_, err := repo.IsAuditPending(ctx, deviceA, now)
		Expect(err).To(MatchError(ContainSubstring("pop")))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})
