package backend

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"procodus.dev/iot-audit/internal/store"
	"procodus.dev/iot-audit/pkg/auditapi"
	"procodus.dev/iot-audit/pkg/metrics"
)

const (
	// DefaultPageSize is used when a ListReadings request leaves page_size unset.
	DefaultPageSize = 100
	// MaxPageSize caps page_size.
	MaxPageSize = 500
)

// QueryStore is the store access needed by the status query service.
type QueryStore interface {
	FindDevice(ctx context.Context, address string) (*store.Device, error)
	IsAuditPending(ctx context.Context, device string, now int64) (bool, error)
	CountReadings(ctx context.Context, device string) (int64, error)
	ListReadings(ctx context.Context, device string, offset, limit int) ([]store.Reading, error)
}

// AuditQueryService implements the gRPC AuditQuery service.
type AuditQueryService struct {
	auditapi.UnimplementedAuditQueryServer
	logger  *slog.Logger
	store   QueryStore
	metrics *metrics.BackendMetrics // Optional metrics
	now     func() time.Time
}

// NewAuditQueryService creates a new AuditQueryService instance.
func NewAuditQueryService(logger *slog.Logger, s QueryStore, m *metrics.BackendMetrics) (*AuditQueryService, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if s == nil {
		return nil, errors.New("store cannot be nil")
	}

	return &AuditQueryService{
		logger:  logger,
		store:   s,
		metrics: m,
		now:     time.Now,
	}, nil
}

// track records in-flight and duration metrics for method. The returned
// function records the outcome.
func (s *AuditQueryService) track(method string) func(err error) {
	if s.metrics == nil {
		return func(error) {}
	}

	s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Inc()
	timer := prometheus.NewTimer(s.metrics.GRPCRequestDuration.WithLabelValues(method))

	return func(err error) {
		timer.ObserveDuration()
		s.metrics.GRPCRequestsInFlight.WithLabelValues(method).Dec()

		result := "success"
		if err != nil {
			result = "error"
		}
		s.metrics.GRPCRequestsTotal.WithLabelValues(method, result).Inc()
	}
}

// findDevice maps a missing device to codes.NotFound.
func (s *AuditQueryService) findDevice(ctx context.Context, address string) (*store.Device, error) {
	if address == "" {
		return nil, status.Error(codes.InvalidArgument, "device_address cannot be empty")
	}

	device, err := s.store.FindDevice(ctx, address)
	if err != nil {
		s.logger.Error("failed to fetch device", "device", address, "error", err)
		return nil, status.Errorf(codes.Internal, "failed to fetch device: %v", err)
	}
	if device == nil {
		s.logger.Warn("device not found", "device", address)
		return nil, status.Errorf(codes.NotFound, "device not found: %s", address)
	}
	return device, nil
}

// GetAuditStatus reports whether a device has a reading waiting to be audited.
func (s *AuditQueryService) GetAuditStatus(ctx context.Context, req *auditapi.AuditStatusRequest) (resp *auditapi.AuditStatus, err error) {
	done := s.track("GetAuditStatus")
	defer func() { done(err) }()

	device, err := s.findDevice(ctx, req.DeviceAddress)
	if err != nil {
		return nil, err
	}

	pending, err := s.store.IsAuditPending(ctx, device.Address, s.now().Unix())
	if err != nil {
		s.logger.Error("failed to check audit status", "device", device.Address, "error", err)
		return nil, status.Errorf(codes.Internal, "failed to check audit status: %v", err)
	}

	count, err := s.store.CountReadings(ctx, device.Address)
	if err != nil {
		s.logger.Error("failed to count readings", "device", device.Address, "error", err)
		return nil, status.Errorf(codes.Internal, "failed to count readings: %v", err)
	}

	s.logger.Debug("fetched audit status",
		"device", device.Address,
		"is_audit_pending", pending,
		"reading_count", count,
	)

	return &auditapi.AuditStatus{
		DeviceAddress:  device.Address,
		IsAuditPending: pending,
		ReadingCount:   count,
	}, nil
}

// ListReadings returns a device's readings with their audit events, newest
// first. The page token is the offset of the next page.
func (s *AuditQueryService) ListReadings(ctx context.Context, req *auditapi.ListReadingsRequest) (resp *auditapi.ReadingPage, err error) {
	done := s.track("ListReadings")
	defer func() { done(err) }()

	pageSize := int(req.PageSize)
	switch {
	case pageSize < 0:
		return nil, status.Error(codes.InvalidArgument, "page_size cannot be negative")
	case pageSize == 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}

	offset := 0
	if req.PageToken != "" {
		offset, err = strconv.Atoi(req.PageToken)
		if err != nil || offset < 0 {
			return nil, status.Error(codes.InvalidArgument, "invalid page_token")
		}
	}

	device, err := s.findDevice(ctx, req.DeviceAddress)
	if err != nil {
		return nil, err
	}

	// Fetch one extra to determine if there's a next page
	readings, err := s.store.ListReadings(ctx, device.Address, offset, pageSize+1)
	if err != nil {
		s.logger.Error("failed to fetch readings", "device", device.Address, "error", err)
		return nil, status.Errorf(codes.Internal, "failed to fetch readings: %v", err)
	}

	hasNextPage := len(readings) > pageSize
	if hasNextPage {
		readings = readings[:pageSize]
	}

	page := &auditapi.ReadingPage{Readings: make([]auditapi.ReadingView, len(readings))}
	for i := range readings {
		page.Readings[i] = readingView(&readings[i])
	}
	if hasNextPage {
		page.NextPageToken = strconv.Itoa(offset + pageSize)
	}

	s.logger.Debug("fetched readings",
		"device", device.Address,
		"count", len(page.Readings),
		"has_next_page", hasNextPage,
	)

	return page, nil
}

func readingView(r *store.Reading) auditapi.ReadingView {
	view := auditapi.ReadingView{
		ID:             uint64(r.ID),
		DeviceAddress:  r.DeviceAddress,
		Value:          r.Value,
		Timestamp:      r.Timestamp,
		Signature:      r.Signature,
		PermitDeadline: r.PermitDeadline,
	}
	for _, e := range r.Events {
		view.Events = append(view.Events, auditapi.EventView{
			TransactionHash: e.TransactionHash,
			EventType:       string(e.EventType),
			BlockNumber:     e.BlockNumber,
			Index:           e.Index,
		})
	}
	return view
}
