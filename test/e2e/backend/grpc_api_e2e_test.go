package backend

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/auditapi"
	"procodus.dev/iot-audit/pkg/generator"
)

const txHash = "0xaa00000000000000000000000000000000000000000000000000000000000000"

var _ = Describe("Backend gRPC API E2E", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	auditStatus := func(device *generator.Device) *auditapi.AuditStatus {
		GinkgoHelper()
		st, err := grpcClient.GetAuditStatus(ctx, &auditapi.AuditStatusRequest{
			DeviceAddress: device.Address().String(),
		})
		Expect(err).NotTo(HaveOccurred())
		return st
	}

	Describe("GetAuditStatus", func() {
		It("should report a pending audit until an event is recorded", func() {
			device := onboardedDevice(ctx)
			publishReading(ctx, device, true)

			Eventually(readingCount(ctx, device), 10*time.Second, 250*time.Millisecond).Should(BeEquivalentTo(1))
			Expect(auditStatus(device).IsAuditPending).To(BeTrue())

			page, err := grpcClient.ListReadings(ctx, &auditapi.ListReadingsRequest{
				DeviceAddress: device.Address().String(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Readings).To(HaveLen(1))
			Expect(page.Readings[0].PermitDeadline).NotTo(BeNil())

			Expect(repo.InsertEvents(ctx, []store.Event{{
				TransactionHash: txHash,
				BlockHash:       "0xbb",
				Address:         "0x0000000000000000000000000000000000000808",
				EventType:       store.EventSubcallSucceeded,
				BlockNumber:     42,
				Index:           0,
				ReadingID:       uint(page.Readings[0].ID),
			}})).To(Succeed())

			Expect(auditStatus(device).IsAuditPending).To(BeFalse())

			page, err = grpcClient.ListReadings(ctx, &auditapi.ListReadingsRequest{
				DeviceAddress: device.Address().String(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Readings[0].Audited()).To(BeTrue())
			Expect(page.Readings[0].Events).To(ConsistOf(auditapi.EventView{
				TransactionHash: txHash,
				EventType:       string(store.EventSubcallSucceeded),
				BlockNumber:     42,
				Index:           0,
			}))
		})

		It("should reject a second permit while an audit is pending", func() {
			device := onboardedDevice(ctx)
			publishReading(ctx, device, true)
			Eventually(readingCount(ctx, device), 10*time.Second, 250*time.Millisecond).Should(BeEquivalentTo(1))

			publishReading(ctx, device, true)
			last := publishReading(ctx, device, false)

			Eventually(readingCount(ctx, device), 10*time.Second, 250*time.Millisecond).Should(BeEquivalentTo(2))

			page, err := grpcClient.ListReadings(ctx, &auditapi.ListReadingsRequest{
				DeviceAddress: device.Address().String(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Readings).To(HaveLen(2))

			var permits int
			for _, r := range page.Readings {
				if r.PermitDeadline != nil {
					permits++
				}
			}
			Expect(permits).To(Equal(1))
			Expect(page.Readings).To(ContainElement(HaveField("Signature", last.Signature)))
		})

		It("should reject malformed addresses", func() {
			_, err := grpcClient.GetAuditStatus(ctx, &auditapi.AuditStatusRequest{DeviceAddress: "device-001"})
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})

	Describe("ListReadings", func() {
		It("should page through readings newest first", func() {
			device := onboardedDevice(ctx)
			for i := 0; i < 5; i++ {
				publishReading(ctx, device, false)
			}
			Eventually(readingCount(ctx, device), 15*time.Second, 250*time.Millisecond).Should(BeEquivalentTo(5))

			var (
				all   []auditapi.ReadingView
				token string
				pages int
			)
			for {
				page, err := grpcClient.ListReadings(ctx, &auditapi.ListReadingsRequest{
					DeviceAddress: device.Address().String(),
					PageSize:      2,
					PageToken:     token,
				})
				Expect(err).NotTo(HaveOccurred())
				all = append(all, page.Readings...)
				pages++
				if page.NextPageToken == "" {
					break
				}
				token = page.NextPageToken
			}

			Expect(pages).To(Equal(3))
			Expect(all).To(HaveLen(5))
			for i := 1; i < len(all); i++ {
				Expect(all[i-1].Timestamp).To(BeNumerically(">=", all[i].Timestamp))
			}
		})

		It("should reject an invalid page token", func() {
			device := onboardedDevice(ctx)
			_, err := grpcClient.ListReadings(ctx, &auditapi.ListReadingsRequest{
				DeviceAddress: device.Address().String(),
				PageToken:     "not-a-token",
			})
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})
})
