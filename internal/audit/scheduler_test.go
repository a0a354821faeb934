package audit_test

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-audit/internal/audit"
	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/chain"
	"procodus.dev/iot-audit/pkg/contracts"
	"procodus.dev/iot-audit/pkg/metatx"
)

var _ = Describe("Scheduler", func() {
	var (
		ctx       context.Context
		clock     *fakeClock
		es        *fakeEventStore
		sub       *fakeSubmitter
		scheduler *audit.Scheduler
	)

	newScheduler := func(cfg audit.SchedulerConfig) *audit.Scheduler {
		cfg.Logger = newTestLogger()
		cfg.Store = es
		cfg.Submitter = sub
		cfg.Now = clock.Now
		s, err := audit.NewScheduler(&cfg)
		Expect(err).NotTo(HaveOccurred())
		return s
	}

	BeforeEach(func() {
		ctx = context.Background()
		clock = &fakeClock{now: time.Unix(1700000000, 0)}
		es = &fakeEventStore{}
		sub = &fakeSubmitter{}
		scheduler = newScheduler(audit.SchedulerConfig{
			InitialBackoff: time.Second,
			MaxBackoff:     2 * time.Second,
		})
	})

	Describe("NewScheduler", func() {
		It("should validate its configuration", func() {
			_, err := audit.NewScheduler(nil)
			Expect(err).To(HaveOccurred())

			_, err = audit.NewScheduler(&audit.SchedulerConfig{Store: es, Submitter: sub})
			Expect(err).To(HaveOccurred())

			_, err = audit.NewScheduler(&audit.SchedulerConfig{Logger: newTestLogger(), Submitter: sub})
			Expect(err).To(HaveOccurred())

			_, err = audit.NewScheduler(&audit.SchedulerConfig{Logger: newTestLogger(), Store: es})
			Expect(err).To(HaveOccurred())

			_, err = audit.NewScheduler(&audit.SchedulerConfig{Logger: newTestLogger(), Store: es, Submitter: sub, MaxBatchSize: 64})
			Expect(err).To(MatchError(audit.ErrInvalidBatch))
		})
	})

	Describe("Tick", func() {
		It("should end quietly when nothing is selected", func() {
			Expect(scheduler.Tick(ctx)).To(Succeed())
			Expect(sub.callCount()).To(BeZero())
			Expect(es.insertCount()).To(BeZero())
		})

		It("should select with the current time and batch bound", func() {
			Expect(scheduler.Tick(ctx)).To(Succeed())
			Expect(es.selections).To(ConsistOf(store.Selection{
				Now:     1700000000,
				MaxSize: audit.DefaultMaxBatchSize,
			}))
		})

		It("should pass the failed-subcall policy to the selection", func() {
			retrying := newScheduler(audit.SchedulerConfig{RetryFailed: true, MaxBatchSize: 3})
			Expect(retrying.Tick(ctx)).To(Succeed())
			Expect(es.selections[0].RetryFailed).To(BeTrue())
			Expect(es.selections[0].MaxSize).To(Equal(3))
		})

		It("should store the events of a submitted batch", func() {
			es.readings = []store.Reading{reading(1, deviceA, 10), reading(2, deviceB, 20)}
			sub.events = []store.Event{
				{TransactionHash: "0x01", Index: 0, ReadingID: 1, EventType: store.EventSubcallSucceeded},
				{TransactionHash: "0x01", Index: 1, ReadingID: 2, EventType: store.EventSubcallFailed},
			}

			Expect(scheduler.Tick(ctx)).To(Succeed())
			Expect(sub.callCount()).To(Equal(1))
			Expect(es.inserted).To(HaveLen(1))
			Expect(es.inserted[0]).To(Equal(sub.events))
		})

		It("should not store anything when submission fails", func() {
			es.readings = []store.Reading{reading(1, deviceA, 10)}
			sub.err = audit.ErrSubmissionFailed

			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrSubmissionFailed))
			Expect(es.insertCount()).To(BeZero())
		})

		It("should return store errors", func() {
			es.readings = []store.Reading{reading(1, deviceA, 10)}
			sub.events = []store.Event{{TransactionHash: "0x01", ReadingID: 1, EventType: store.EventSubcallSucceeded}}
			es.insertErr = errors.New("disk full")

			err := scheduler.Tick(ctx)
			Expect(err).To(MatchError(ContainSubstring("disk full")))
		})

		It("should return selection errors without submitting", func() {
			es.selectErr = errors.New("connection reset")

			Expect(scheduler.Tick(ctx)).To(MatchError(ContainSubstring("connection reset")))
			Expect(sub.callCount()).To(BeZero())
		})
	})

	Describe("backoff", func() {
		It("should skip ticks until the backoff window elapses and reset on success", func() {
			es.readings = []store.Reading{reading(1, deviceA, 10)}
			sub.err = audit.ErrSubmissionFailed

			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrSubmissionFailed))
			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrBackingOff))
			Expect(sub.callCount()).To(Equal(1))

			clock.Advance(3 * time.Second)
			sub.mu.Lock()
			sub.err = nil
			sub.mu.Unlock()

			Expect(scheduler.Tick(ctx)).To(Succeed())
			Expect(sub.callCount()).To(Equal(2))

			By("running the next tick immediately after a success")
			Expect(scheduler.Tick(ctx)).To(Succeed())
			Expect(sub.callCount()).To(Equal(3))
		})

		It("should treat a receipt timeout as a failed tick", func() {
			es.readings = []store.Reading{reading(1, deviceA, 10)}
			sub.err = chain.ErrReceiptTimeout

			Expect(scheduler.Tick(ctx)).To(MatchError(chain.ErrReceiptTimeout))
			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrBackingOff))
		})

		It("should fall back to the default backoff window", func() {
			scheduler = newScheduler(audit.SchedulerConfig{})
			es.readings = []store.Reading{reading(1, deviceA, 10)}
			sub.err = audit.ErrSubmissionFailed

			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrSubmissionFailed))

			// The first window is DefaultInitialBackoff with up to 50% jitter.
			clock.Advance(audit.DefaultInitialBackoff/2 - time.Second)
			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrBackingOff))

			clock.Advance(2 * audit.DefaultInitialBackoff)
			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrSubmissionFailed))
			Expect(sub.callCount()).To(Equal(2))
		})

		It("should back off instead of reselecting readings whose payloads cannot be built", func() {
			es.readings = []store.Reading{reading(1, deviceA, 10)}
			sub.err = fmt.Errorf("%w: reading ids [1]", audit.ErrNoPayloads)

			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrNoPayloads))
			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrBackingOff))
			Expect(sub.callCount()).To(Equal(1))
			Expect(es.insertCount()).To(BeZero())

			clock.Advance(3 * time.Second)
			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrNoPayloads))
			Expect(sub.callCount()).To(Equal(2))
		})
	})

	Describe("overlap", func() {
		It("should skip a tick while another one is running", func() {
			es.readings = []store.Reading{reading(1, deviceA, 10)}
			sub.entered = make(chan struct{}, 1)
			sub.release = make(chan struct{})

			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				done <- scheduler.Tick(ctx)
			}()

			Eventually(sub.entered).Should(Receive())
			Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrTickInProgress))

			close(sub.release)
			Eventually(done).Should(Receive(BeNil()))
			Expect(sub.callCount()).To(Equal(1))
		})
	})

	Describe("Run", func() {
		It("should tick until the context is cancelled", func() {
			runCtx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				done <- scheduler.Run(runCtx, 10*time.Millisecond)
			}()

			Eventually(func() int {
				es.mu.Lock()
				defer es.mu.Unlock()
				return len(es.selections)
			}).Should(BeNumerically(">=", 2))

			cancel()
			Eventually(done).Should(Receive(BeNil()))
		})

		It("should reject a non-positive interval", func() {
			Expect(scheduler.Run(ctx, 0)).To(HaveOccurred())
		})
	})
})

var _ = Describe("Audit pipeline", func() {
	var (
		ctx       context.Context
		repo      *store.GormRepository
		fc        *fakeChain
		builder   *metatx.Builder
		scheduler *audit.Scheduler
		devices   []*secp256k1.KeyPair
		now       time.Time
	)

	auditContract := *ethtypes.MustNewAddress("0x5555555555555555555555555555555555555555")

	signed := func(kp *secp256k1.KeyPair, ts int64, deadline int64) *store.Reading {
		r := metatx.Reading{DeviceAddress: kp.Address.String(), Value: ts * 3, Timestamp: ts}
		var err error
		r.Signature, err = builder.SignRecord(ctx, kp, r.Value, r.Timestamp)
		Expect(err).NotTo(HaveOccurred())
		permit, err := builder.SignPermit(ctx, kp, r, big.NewInt(0), deadline)
		Expect(err).NotTo(HaveOccurred())

		return &store.Reading{
			DeviceAddress:   r.DeviceAddress,
			Value:           r.Value,
			Timestamp:       r.Timestamp,
			Signature:       r.Signature,
			PermitDeadline:  &deadline,
			PermitSignature: &permit,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		logger := newTestLogger()
		now = time.Unix(1700000000, 0)

		db, err := store.NewDB(&store.DBConfig{Logger: logger, Driver: store.DriverSQLite, Path: ":memory:"})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { _ = store.CloseDB(db, logger) })

		repo, err = store.NewRepository(db, logger)
		Expect(err).NotTo(HaveOccurred())

		builder, err = metatx.NewBuilder(metatx.Config{ChainID: 1281, AuditContract: auditContract})
		Expect(err).NotTo(HaveOccurred())

		fc = newFakeChain()
		submitter, err := audit.NewBatchSubmitter(&audit.SubmitterConfig{
			Logger:  logger,
			Chain:   fc,
			Builder: builder,
		})
		Expect(err).NotTo(HaveOccurred())

		scheduler, err = audit.NewScheduler(&audit.SchedulerConfig{
			Logger:         logger,
			Store:          repo,
			Submitter:      submitter,
			Now:            func() time.Time { return now },
			InitialBackoff: time.Second,
			MaxBackoff:     time.Second,
		})
		Expect(err).NotTo(HaveOccurred())

		devices = nil
		for i := 0; i < 2; i++ {
			kp, err := secp256k1.GenerateSecp256k1KeyPair()
			Expect(err).NotTo(HaveOccurred())
			devices = append(devices, kp)
		}
	})

	It("should audit a batch where one subcall fails and never select it again", func() {
		first := signed(devices[0], 10, now.Unix()+600)
		second := signed(devices[1], 20, now.Unix()+600)
		Expect(repo.InsertReading(ctx, first)).To(Succeed())
		Expect(repo.InsertReading(ctx, second)).To(Succeed())

		fc.logs = []*chain.Log{
			subcallLog(contracts.SubcallSucceeded, 0),
			subcallLog(contracts.SubcallFailed, 1),
		}
		Expect(scheduler.Tick(ctx)).To(Succeed())

		calls := decodeBatch(contracts.BatchSome, fc.lastSubmission().data)
		Expect(calls).To(HaveLen(2))
		expected, err := builder.BuildForward(ctx, audit.MetaReading(*first))
		Expect(err).NotTo(HaveOccurred())
		Expect(calls[0]).To(Equal(expected))

		events, err := repo.ListEvents(ctx, first.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].EventType).To(Equal(store.EventSubcallSucceeded))

		events, err = repo.ListEvents(ctx, second.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].EventType).To(Equal(store.EventSubcallFailed))

		Expect(scheduler.Tick(ctx)).To(Succeed())
		Expect(fc.submissionCount()).To(Equal(1))
	})

	It("should leave readings unaudited when the batch reverts", func() {
		r := signed(devices[0], 10, now.Unix()+600)
		Expect(repo.InsertReading(ctx, r)).To(Succeed())

		fc.submitErr = &chain.RevertError{Method: "eth_estimateGas", Reason: "execution reverted"}
		Expect(scheduler.Tick(ctx)).To(MatchError(audit.ErrSubmissionFailed))

		pending, err := repo.IsAuditPending(ctx, r.DeviceAddress, now.Unix())
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).To(BeTrue())

		batch, err := repo.FindUnauditedBatch(ctx, store.Selection{Now: now.Unix(), MaxSize: 5})
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(HaveLen(1))
		Expect(batch[0].ID).To(Equal(r.ID))
	})

	It("should skip readings whose permit expired", func() {
		Expect(repo.InsertReading(ctx, signed(devices[0], 10, now.Unix()-1))).To(Succeed())

		Expect(scheduler.Tick(ctx)).To(Succeed())
		Expect(fc.submissionCount()).To(BeZero())
	})
})
