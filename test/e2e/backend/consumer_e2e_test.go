package backend

import (
	"context"
	"time"

	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/auditapi"
	"procodus.dev/iot-audit/pkg/generator"
)

var _ = Describe("Backend Consumer E2E", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Context("Device Consumer", func() {
		It("should store an announced device with an onboarding-pending auditor", func() {
			auditor := *ethtypes.MustNewAddress("0xabcdef0123456789abcdef0123456789abcdef01")
			device, err := generator.NewDevice(auditor)
			Expect(err).NotTo(HaveOccurred())

			announcement := device.Announcement(time.Now())
			msg, err := announcement.Marshal()
			Expect(err).NotTo(HaveOccurred())
			publish(ctx, deviceQueueName, msg)

			Eventually(func() (*store.Device, error) {
				return repo.FindDevice(ctx, device.Address().String())
			}, 10*time.Second, 200*time.Millisecond).ShouldNot(BeNil())

			stored, err := repo.FindDevice(ctx, device.Address().String())
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Name).To(Equal(announcement.Name))
			Expect(stored.AuditorAddress).To(Equal(auditor.String()))

			pending, err := repo.FindAuditor(ctx, auditor.String())
			Expect(err).NotTo(HaveOccurred())
			Expect(pending).NotTo(BeNil())
			Expect(pending.IsOnboardingPending).To(BeTrue())
		})

		It("should drop readings while the auditor awaits onboarding", func() {
			device := onboardedDevice(ctx)

			// Hand the device to an auditor that is not onboarded yet.
			const newAuditor = "0x9999999999999999999999999999999999999999"
			_, _, err := repo.UpsertAuditor(ctx, newAuditor)
			Expect(err).NotTo(HaveOccurred())
			Expect(repo.UpsertDevice(ctx, &store.Device{
				Address:        device.Address().String(),
				Name:           device.Name,
				AuditorAddress: newAuditor,
			})).To(Succeed())

			publishReading(ctx, device, false)

			Consistently(readingCount(ctx, device), 2*time.Second, 250*time.Millisecond).Should(BeZero())
		})
	})

	Context("Reading Consumer", func() {
		It("should verify and store a signed reading", func() {
			device := onboardedDevice(ctx)
			sent := publishReading(ctx, device, false)

			Eventually(readingCount(ctx, device), 10*time.Second, 250*time.Millisecond).Should(BeEquivalentTo(1))

			page, err := grpcClient.ListReadings(ctx, &auditapi.ListReadingsRequest{
				DeviceAddress: device.Address().String(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Readings).To(HaveLen(1))

			reading := page.Readings[0]
			Expect(reading.DeviceAddress).To(Equal(device.Address().String()))
			Expect(reading.Value).To(Equal(sent.Value))
			Expect(reading.Timestamp).To(Equal(sent.Timestamp))
			Expect(reading.Signature).To(Equal(sent.Signature))
			Expect(reading.PermitDeadline).To(BeNil())
			Expect(reading.Audited()).To(BeFalse())
		})

		It("should drop a tampered reading and keep consuming", func() {
			device := onboardedDevice(ctx)

			now := time.Now()
			tampered, err := signer.Sign(ctx, device, 1000, now.Unix(), false)
			Expect(err).NotTo(HaveOccurred())
			tampered.Value = 1001
			body, err := tampered.Marshal()
			Expect(err).NotTo(HaveOccurred())
			publish(ctx, readingQueueName, body)

			publish(ctx, readingQueueName, []byte("not a reading"))

			valid := publishReading(ctx, device, false)

			Eventually(readingCount(ctx, device), 10*time.Second, 250*time.Millisecond).Should(BeEquivalentTo(1))

			page, err := grpcClient.ListReadings(ctx, &auditapi.ListReadingsRequest{
				DeviceAddress: device.Address().String(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(page.Readings).To(HaveLen(1))
			Expect(page.Readings[0].Signature).To(Equal(valid.Signature))
		})

		It("should drop readings from unknown devices", func() {
			device, err := generator.NewDevice(*ethtypes.MustNewAddress("0x7777777777777777777777777777777777777777"))
			Expect(err).NotTo(HaveOccurred())

			publishReading(ctx, device, false)

			Consistently(func() codes.Code {
				_, err := grpcClient.GetAuditStatus(ctx, &auditapi.AuditStatusRequest{
					DeviceAddress: device.Address().String(),
				})
				return status.Code(err)
			}, 2*time.Second, 250*time.Millisecond).Should(Equal(codes.NotFound))
		})
	})
})
