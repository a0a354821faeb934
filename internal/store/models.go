// Package store persists devices, auditors, readings and the chain events that
// audit them. Audit status is never stored: a reading is audited when it has
// at least one associated event.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType is the batch precompile event recorded for a subcall.
type EventType string

const (
	EventSubcallSucceeded EventType = "SubcallSucceeded"
	EventSubcallFailed    EventType = "SubcallFailed"
)

// Reading is one signed sensor measurement. It is immutable once created.
type Reading struct {
	CreatedAt       time.Time `gorm:"autoCreateTime"`
	PermitDeadline  *int64    `gorm:"index:idx_readings_permit_deadline"`
	PermitSignature *string
	DeviceAddress   string  `gorm:"index:idx_readings_device_timestamp;not null"`
	Signature       string  `gorm:"not null"`
	Events          []Event `gorm:"foreignKey:ReadingID"`
	Timestamp       int64   `gorm:"index:idx_readings_device_timestamp;index:idx_readings_timestamp;not null"`
	Value           int64   `gorm:"not null"`
	ID              uint    `gorm:"primaryKey"`
}

// TableName specifies the table name for Reading model.
func (Reading) TableName() string {
	return "readings"
}

// HasPermit reports whether the device pre-authorised a gasless audit.
func (r *Reading) HasPermit() bool {
	return r.PermitDeadline != nil && r.PermitSignature != nil && *r.PermitSignature != ""
}

// Device is a sensor identified by its signing address.
type Device struct {
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
	Address        string    `gorm:"primaryKey"`
	Name           string    `gorm:"not null"`
	AuditorAddress string    `gorm:"index:idx_devices_auditor;not null"`
	Readings       []Reading `gorm:"foreignKey:DeviceAddress;references:Address"`
}

// TableName specifies the table name for Device model.
func (Device) TableName() string {
	return "devices"
}

// Auditor owns devices and may need an on-chain registration before the
// audit contract accepts its devices.
type Auditor struct {
	CreatedAt           time.Time `gorm:"autoCreateTime"`
	UpdatedAt           time.Time `gorm:"autoUpdateTime"`
	IssuedAt            *time.Time
	Nonce               *string
	Address             string   `gorm:"primaryKey"`
	Devices             []Device `gorm:"foreignKey:AuditorAddress;references:Address"`
	IsOnboardingPending bool     `gorm:"index:idx_auditors_onboarding;not null;default:false"`
}

// TableName specifies the table name for Auditor model.
func (Auditor) TableName() string {
	return "auditors"
}

// Event is a decoded SubcallSucceeded or SubcallFailed log. Index is the
// position of the reading in the submitted batch and is unique per transaction.
type Event struct {
	CreatedAt        time.Time `gorm:"autoCreateTime"`
	TransactionHash  string    `gorm:"uniqueIndex:idx_events_tx_index;not null"`
	BlockHash        string    `gorm:"not null"`
	Address          string    `gorm:"not null"`
	Data             string
	EventType        EventType `gorm:"type:varchar(32);not null"`
	Topics           Topics    `gorm:"type:text"`
	BlockNumber      uint64    `gorm:"not null"`
	Index            uint64    `gorm:"column:batch_index;uniqueIndex:idx_events_tx_index;not null"`
	TransactionIndex uint64
	ReadingID        uint `gorm:"index:idx_events_reading;not null"`
	ID               uint `gorm:"primaryKey"`
}

// TableName specifies the table name for Event model.
func (Event) TableName() string {
	return "audit_events"
}

// Topics is a list of 0x hex log topics stored as a JSON array.
type Topics []string

// Value implements driver.Valuer.
func (t Topics) Value() (driver.Value, error) {
	if t == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(t))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (t *Topics) Scan(src interface{}) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*t = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("cannot scan %T into Topics", src)
	}
	if strings.TrimSpace(string(raw)) == "" {
		*t = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(t))
}

// NormalizeAddress lower-cases an 0x address so lookups are case-insensitive.
func NormalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
