package backend

import (
	"context"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/iot-audit/internal/store"
)

var _ = Describe("Backend Database E2E", func() {
	var (
		ctx     context.Context
		auditor string
		base    int64
	)

	BeforeEach(func() {
		ctx = context.Background()
		// Unique per spec so selections do not see rows of other specs.
		base = time.Now().UnixNano() % 1_000_000_000
		auditor = fmt.Sprintf("0x%040x", base)
		_, _, err := repo.UpsertAuditor(ctx, auditor)
		Expect(err).NotTo(HaveOccurred())
	})

	newDevice := func(n int64) string {
		GinkgoHelper()
		address := fmt.Sprintf("0x%040x", base*100+n)
		Expect(repo.UpsertDevice(ctx, &store.Device{
			Address:        address,
			Name:           fmt.Sprintf("db-device-%d", n),
			AuditorAddress: auditor,
		})).To(Succeed())
		return address
	}

	insertPermit := func(device string, ts, deadline int64) *store.Reading {
		GinkgoHelper()
		sig := "0xpermit"
		r := &store.Reading{
			DeviceAddress:   device,
			Timestamp:       ts,
			Value:           ts,
			Signature:       "0xrecord",
			PermitDeadline:  &deadline,
			PermitSignature: &sig,
		}
		Expect(repo.InsertReading(ctx, r)).To(Succeed())
		return r
	}

	selectFor := func(devices ...string) []store.Reading {
		GinkgoHelper()
		batch, err := repo.FindUnauditedBatch(ctx, store.Selection{
			Now:     time.Now().Unix(),
			MaxSize: 1000,
		})
		Expect(err).NotTo(HaveOccurred())

		wanted := map[string]bool{}
		for _, d := range devices {
			wanted[d] = true
		}
		var out []store.Reading
		for _, r := range batch {
			if wanted[r.DeviceAddress] {
				out = append(out, r)
			}
		}
		return out
	}

	It("should select the earliest auditable reading of each device", func() {
		now := time.Now().Unix()
		deviceA, deviceB := newDevice(1), newDevice(2)

		a1 := insertPermit(deviceA, now-30, now+3600)
		insertPermit(deviceA, now-20, now+3600)
		b1 := insertPermit(deviceB, now-10, now+3600)

		selected := selectFor(deviceA, deviceB)
		Expect(selected).To(HaveLen(2))
		Expect(selected[0].ID).To(Equal(a1.ID))
		Expect(selected[1].ID).To(Equal(b1.ID))
	})

	It("should skip expired permits and audited readings", func() {
		now := time.Now().Unix()
		device := newDevice(3)

		expired := insertPermit(device, now-50, now-1)
		audited := insertPermit(device, now-40, now+3600)
		next := insertPermit(device, now-30, now+3600)

		Expect(repo.InsertEvents(ctx, []store.Event{{
			TransactionHash: fmt.Sprintf("0x%064x", base),
			BlockHash:       "0x01",
			Address:         "0x0000000000000000000000000000000000000808",
			EventType:       store.EventSubcallSucceeded,
			BlockNumber:     7,
			ReadingID:       audited.ID,
		}})).To(Succeed())

		selected := selectFor(device)
		Expect(selected).To(HaveLen(1))
		Expect(selected[0].ID).To(Equal(next.ID))
		Expect(selected[0].ID).NotTo(Equal(expired.ID))
	})

	It("should ignore a repeated event insert", func() {
		now := time.Now().Unix()
		device := newDevice(4)
		reading := insertPermit(device, now, now+3600)

		event := store.Event{
			TransactionHash: fmt.Sprintf("0x%064x", base+1),
			BlockHash:       "0x02",
			Address:         "0x0000000000000000000000000000000000000808",
			Topics:          store.Topics{"0x01", "0x02"},
			EventType:       store.EventSubcallFailed,
			BlockNumber:     8,
			ReadingID:       reading.ID,
		}
		Expect(repo.InsertEvents(ctx, []store.Event{event})).To(Succeed())
		Expect(repo.InsertEvents(ctx, []store.Event{event})).To(Succeed())

		events, err := repo.ListEvents(ctx, reading.ID)
		Expect(err).NotTo(HaveOccurred())
		Expect(events).To(HaveLen(1))
		Expect(events[0].Topics).To(Equal(store.Topics{"0x01", "0x02"}))
	})

	It("should reselect failed readings only when retrying is enabled", func() {
		now := time.Now().Unix()
		device := newDevice(5)
		reading := insertPermit(device, now, now+3600)

		Expect(repo.InsertEvents(ctx, []store.Event{{
			TransactionHash: fmt.Sprintf("0x%064x", base+2),
			BlockHash:       "0x03",
			Address:         "0x0000000000000000000000000000000000000808",
			EventType:       store.EventSubcallFailed,
			BlockNumber:     9,
			ReadingID:       reading.ID,
		}})).To(Succeed())

		Expect(selectFor(device)).To(BeEmpty())

		batch, err := repo.FindUnauditedBatch(ctx, store.Selection{
			Now:         now,
			MaxSize:     1000,
			RetryFailed: true,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(batch).To(ContainElement(HaveField("ID", reading.ID)))
	})

	It("should keep auditors onboarded across upserts", func() {
		Expect(repo.MarkAuditorOnboarded(ctx, auditor)).To(Succeed())

		again, created, err := repo.UpsertAuditor(ctx, auditor)
		Expect(err).NotTo(HaveOccurred())
		Expect(created).To(BeFalse())
		Expect(again.IsOnboardingPending).To(BeFalse())

		pending, err := repo.FindPendingAuditors(ctx, 1000)
		Expect(err).NotTo(HaveOccurred())
		Expect(pending).NotTo(ContainElement(HaveField("Address", auditor)))
	})
})
