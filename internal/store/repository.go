package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Selection bounds one unaudited-batch query.
type Selection struct {
	// Now is the unix time compared against permit deadlines.
	Now int64
	// MaxSize caps the number of readings returned.
	MaxSize int
	// RetryFailed makes readings whose only events are SubcallFailed selectable again.
	RetryFailed bool
}

// Repository is the persistence surface used by ingestion, the audit
// scheduler and the query API.
type Repository interface {
	FindUnauditedBatch(ctx context.Context, sel Selection) ([]Reading, error)
	InsertEvents(ctx context.Context, events []Event) error
	IsAuditPending(ctx context.Context, device string, now int64) (bool, error)
	FindDevice(ctx context.Context, address string) (*Device, error)
	InsertReading(ctx context.Context, reading *Reading) error
	UpsertDevice(ctx context.Context, device *Device) error
	UpsertAuditor(ctx context.Context, address string) (*Auditor, bool, error)
	FindAuditor(ctx context.Context, address string) (*Auditor, error)
	FindPendingAuditors(ctx context.Context, limit int) ([]Auditor, error)
	MarkAuditorOnboarded(ctx context.Context, address string) error
	ListReadings(ctx context.Context, device string, offset, limit int) ([]Reading, error)
	ListEvents(ctx context.Context, readingID uint) ([]Event, error)
	CountReadings(ctx context.Context, device string) (int64, error)
}

// Option configures a GormRepository.
type Option func(*GormRepository)

// WithRetryFailed sets the failed-subcall policy used by IsAuditPending. It
// must agree with the Selection.RetryFailed the scheduler passes.
func WithRetryFailed(retry bool) Option {
	return func(r *GormRepository) {
		r.retryFailed = retry
	}
}

// GormRepository implements Repository on gorm. It works on postgres and sqlite.
type GormRepository struct {
	db          *gorm.DB
	logger      *slog.Logger
	retryFailed bool
}

var _ Repository = (*GormRepository)(nil)

// NewRepository creates a repository over an open, migrated database.
func NewRepository(db *gorm.DB, logger *slog.Logger, opts ...Option) (*GormRepository, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	r := &GormRepository{db: db, logger: logger}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// readingColumns leaves out created_at, whose type sqlite does not carry
// through the ranked subquery.
const readingColumns = "ranked.id, ranked.device_address, ranked.value, ranked.timestamp, ranked.signature," +
	" ranked.permit_deadline, ranked.permit_signature"

// unauditedPredicate selects readings carrying a live permit and no terminal
// event. The first placeholder is the current unix time.
func unauditedPredicate(retryFailed bool) string {
	events := "SELECT 1 FROM audit_events e WHERE e.reading_id = r.id"
	if retryFailed {
		events += fmt.Sprintf(" AND e.event_type = '%s'", EventSubcallSucceeded)
	}
	return "r.permit_signature IS NOT NULL AND r.permit_signature <> ''" +
		" AND r.permit_deadline IS NOT NULL AND r.permit_deadline > ?" +
		" AND NOT EXISTS (" + events + ")"
}

// FindUnauditedBatch returns at most sel.MaxSize auditable readings, the
// earliest one per device, ordered by timestamp. A device's later readings
// only become selectable once its earlier one is audited, which keeps one
// permit nonce in flight per device.
func (r *GormRepository) FindUnauditedBatch(ctx context.Context, sel Selection) ([]Reading, error) {
	if sel.MaxSize <= 0 {
		return nil, fmt.Errorf("selection size must be positive, got %d", sel.MaxSize)
	}

	query := "SELECT " + readingColumns + " FROM (" +
		"SELECT r.*, ROW_NUMBER() OVER (PARTITION BY r.device_address ORDER BY r.timestamp, r.id) AS rn" +
		" FROM readings r WHERE " + unauditedPredicate(sel.RetryFailed) +
		") ranked WHERE ranked.rn = 1 ORDER BY ranked.timestamp, ranked.id LIMIT ?"

	var readings []Reading
	if err := r.db.WithContext(ctx).Raw(query, sel.Now, sel.MaxSize).Scan(&readings).Error; err != nil {
		return nil, fmt.Errorf("failed to select unaudited readings: %w", err)
	}
	return readings, nil
}

// InsertEvents stores events in one statement. Events already stored for the
// same (transaction hash, index) are skipped, so repeating an insert is a no-op.
func (r *GormRepository) InsertEvents(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "transaction_hash"}, {Name: "batch_index"}},
			DoNothing: true,
		}).
		Create(&events)
	if result.Error != nil {
		return fmt.Errorf("failed to insert %d audit events: %w", len(events), result.Error)
	}

	if result.RowsAffected < int64(len(events)) {
		r.logger.Debug("skipped already stored audit events",
			"events", len(events),
			"inserted", result.RowsAffected,
		)
	}
	return nil
}

// IsAuditPending reports whether the device has a reading the scheduler would
// still select at now.
func (r *GormRepository) IsAuditPending(ctx context.Context, device string, now int64) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Table("readings AS r").
		Where("r.device_address = ?", NormalizeAddress(device)).
		Where(unauditedPredicate(r.retryFailed), now).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check pending audit for %s: %w", device, err)
	}
	return count > 0, nil
}

// FindDevice returns nil and no error when the device does not exist.
func (r *GormRepository) FindDevice(ctx context.Context, address string) (*Device, error) {
	var device Device
	err := r.db.WithContext(ctx).Where("address = ?", NormalizeAddress(address)).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find device %s: %w", address, err)
	}
	return &device, nil
}

func (r *GormRepository) InsertReading(ctx context.Context, reading *Reading) error {
	if reading == nil {
		return errors.New("reading cannot be nil")
	}
	reading.DeviceAddress = NormalizeAddress(reading.DeviceAddress)
	if err := r.db.WithContext(ctx).Create(reading).Error; err != nil {
		return fmt.Errorf("failed to insert reading: %w", err)
	}
	return nil
}

// UpsertDevice creates the device or updates its name and auditor.
func (r *GormRepository) UpsertDevice(ctx context.Context, device *Device) error {
	if device == nil {
		return errors.New("device cannot be nil")
	}
	device.Address = NormalizeAddress(device.Address)
	device.AuditorAddress = NormalizeAddress(device.AuditorAddress)

	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "auditor_address", "updated_at"}),
		}).
		Create(device).Error
	if err != nil {
		return fmt.Errorf("failed to upsert device %s: %w", device.Address, err)
	}
	return nil
}

// UpsertAuditor returns the auditor, creating it onboarding-pending when it
// is new. The bool reports whether it was created.
func (r *GormRepository) UpsertAuditor(ctx context.Context, address string) (*Auditor, bool, error) {
	auditor := Auditor{Address: NormalizeAddress(address), IsOnboardingPending: true}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "address"}},
			DoNothing: true,
		}).
		Create(&auditor)
	if result.Error != nil {
		return nil, false, fmt.Errorf("failed to upsert auditor %s: %w", address, result.Error)
	}
	if result.RowsAffected == 1 {
		return &auditor, true, nil
	}

	existing, err := r.FindAuditor(ctx, auditor.Address)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("auditor %s: %w", address, gorm.ErrRecordNotFound)
	}
	return existing, false, nil
}

// FindAuditor returns nil and no error when the auditor does not exist.
func (r *GormRepository) FindAuditor(ctx context.Context, address string) (*Auditor, error) {
	var auditor Auditor
	err := r.db.WithContext(ctx).Where("address = ?", NormalizeAddress(address)).First(&auditor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auditor %s: %w", address, err)
	}
	return &auditor, nil
}

// FindPendingAuditors returns auditors still waiting for on-chain registration,
// oldest first.
func (r *GormRepository) FindPendingAuditors(ctx context.Context, limit int) ([]Auditor, error) {
	var auditors []Auditor
	q := r.db.WithContext(ctx).Where("is_onboarding_pending = ?", true).Order("created_at ASC, address ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&auditors).Error; err != nil {
		return nil, fmt.Errorf("failed to find pending auditors: %w", err)
	}
	return auditors, nil
}

func (r *GormRepository) MarkAuditorOnboarded(ctx context.Context, address string) error {
	result := r.db.WithContext(ctx).
		Model(&Auditor{}).
		Where("address = ?", NormalizeAddress(address)).
		Updates(map[string]interface{}{
			"is_onboarding_pending": false,
			"updated_at":            time.Now().UTC(),
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark auditor %s onboarded: %w", address, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("auditor %s: %w", address, gorm.ErrRecordNotFound)
	}
	return nil
}

// ListReadings pages through a device's readings, newest first, with their events.
func (r *GormRepository) ListReadings(ctx context.Context, device string, offset, limit int) ([]Reading, error) {
	var readings []Reading
	err := r.db.WithContext(ctx).
		Preload("Events", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Where("device_address = ?", NormalizeAddress(device)).
		Order("timestamp DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&readings).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list readings for %s: %w", device, err)
	}
	return readings, nil
}

func (r *GormRepository) ListEvents(ctx context.Context, readingID uint) ([]Event, error) {
	var events []Event
	if err := r.db.WithContext(ctx).Where("reading_id = ?", readingID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("failed to list events for reading %d: %w", readingID, err)
	}
	return events, nil
}

func (r *GormRepository) CountReadings(ctx context.Context, device string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&Reading{}).
		Where("device_address = ?", NormalizeAddress(device)).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count readings for %s: %w", device, err)
	}
	return count, nil
}
