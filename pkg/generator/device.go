// Package generator simulates keyed IoT devices that sign their readings the
// way real sensors would before handing them to the ingestion queue.
package generator

import (
	"errors"
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"

	"procodus.dev/iot-audit/pkg/auditapi"
)

// Profile is the descriptive part of a simulated device.
type Profile struct {
	Name      string  `fake:"{adjective}-{animal}"`
	Location  string  `fake:"{city}, {state}"`
	Firmware  string  `fake:"{appversion}"`
	Latitude  float64 `fake:"{latitude}"`
	Longitude float64 `fake:"{longitude}"`
}

// Device is a simulated sensor with its own signing key.
type Device struct {
	Profile
	Key     *secp256k1.KeyPair
	Auditor ethtypes.Address0xHex
	Sensor  *Sensor

	readings int
}

// NewDevice creates a device with a fresh key owned by auditor.
func NewDevice(auditor ethtypes.Address0xHex) (*Device, error) {
	kp, err := secp256k1.GenerateSecp256k1KeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate device key: %w", err)
	}
	return NewDeviceWithKey(kp, auditor)
}

// NewDeviceWithKey creates a device that signs with kp.
func NewDeviceWithKey(kp *secp256k1.KeyPair, auditor ethtypes.Address0xHex) (*Device, error) {
	if kp == nil {
		return nil, errors.New("device key cannot be nil")
	}

	var profile Profile
	if err := gofakeit.Struct(&profile); err != nil {
		return nil, fmt.Errorf("failed to generate device profile: %w", err)
	}

	kind := SensorKinds[gofakeit.Number(0, len(SensorKinds)-1)]
	return &Device{
		Profile: profile,
		Key:     kp,
		Auditor: auditor,
		Sensor:  NewSensor(kind),
	}, nil
}

// Address is the device's signing address.
func (d *Device) Address() ethtypes.Address0xHex {
	return d.Key.Address
}

// Announcement is the device message that registers the device with the backend.
func (d *Device) Announcement(now time.Time) *auditapi.DeviceMessage {
	return &auditapi.DeviceMessage{
		Address:        d.Key.Address.String(),
		Name:           fmt.Sprintf("%s (%s, %s)", d.Name, d.Location, d.Sensor.Kind()),
		AuditorAddress: d.Auditor.String(),
		Timestamp:      now.Unix(),
	}
}

// Measure takes the next measurement and counts it.
func (d *Device) Measure(t time.Time) int64 {
	d.readings++
	return d.Sensor.Measure(t)
}

// Readings is the number of measurements taken so far.
func (d *Device) Readings() int {
	return d.readings
}
