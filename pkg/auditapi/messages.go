// Package auditapi defines the messages exchanged between devices, the
// ingestion backend and status query clients. Messages travel as protobuf
// encoded structpb.Struct values, both on the queues and over gRPC.
package auditapi

import (
	"errors"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Queue names used by the ingestion backend.
const (
	ReadingsQueue = "readings"
	DevicesQueue  = "devices"
)

// ErrInvalidMessage is returned when a message is missing a field or a field
// has the wrong type.
var ErrInvalidMessage = errors.New("auditapi: invalid message")

// ReadingMessage is a signed reading published by a device. Value, Timestamp
// and PermitDeadline are carried as decimal strings so int64 values survive
// the float64 number representation of structpb.
type ReadingMessage struct {
	PermitDeadline  *int64
	PermitSignature *string
	DeviceAddress   string
	Signature       string
	Value           int64
	Timestamp       int64
}

// HasPermit reports whether the device attached a call permit.
func (m *ReadingMessage) HasPermit() bool {
	return m.PermitDeadline != nil || m.PermitSignature != nil
}

// ToStruct converts the message into its structpb representation.
func (m *ReadingMessage) ToStruct() (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"device_address": m.DeviceAddress,
		"value":          strconv.FormatInt(m.Value, 10),
		"timestamp":      strconv.FormatInt(m.Timestamp, 10),
		"signature":      m.Signature,
	}
	if m.PermitDeadline != nil {
		fields["permit_deadline"] = strconv.FormatInt(*m.PermitDeadline, 10)
	}
	if m.PermitSignature != nil {
		fields["permit_signature"] = *m.PermitSignature
	}
	return structpb.NewStruct(fields)
}

// Marshal encodes the message for publishing.
func (m *ReadingMessage) Marshal() ([]byte, error) {
	s, err := m.ToStruct()
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// ReadingFromStruct parses a structpb reading.
func ReadingFromStruct(s *structpb.Struct) (*ReadingMessage, error) {
	f := fields{s}

	m := &ReadingMessage{}
	var err error
	if m.DeviceAddress, err = f.requiredString("device_address"); err != nil {
		return nil, err
	}
	if m.Signature, err = f.requiredString("signature"); err != nil {
		return nil, err
	}
	if m.Value, err = f.requiredInt("value"); err != nil {
		return nil, err
	}
	if m.Timestamp, err = f.requiredInt("timestamp"); err != nil {
		return nil, err
	}
	if m.PermitDeadline, err = f.optionalInt("permit_deadline"); err != nil {
		return nil, err
	}
	if m.PermitSignature, err = f.optionalString("permit_signature"); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalReading decodes a reading from a queue message body.
func UnmarshalReading(data []byte) (*ReadingMessage, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return ReadingFromStruct(s)
}

// DeviceMessage announces a device and the auditor that owns it.
type DeviceMessage struct {
	Address        string
	Name           string
	AuditorAddress string
	Timestamp      int64
}

// ToStruct converts the message into its structpb representation.
func (m *DeviceMessage) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"address":         m.Address,
		"name":            m.Name,
		"auditor_address": m.AuditorAddress,
		"timestamp":       strconv.FormatInt(m.Timestamp, 10),
	})
}

// Marshal encodes the message for publishing.
func (m *DeviceMessage) Marshal() ([]byte, error) {
	s, err := m.ToStruct()
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

// DeviceFromStruct parses a structpb device.
func DeviceFromStruct(s *structpb.Struct) (*DeviceMessage, error) {
	f := fields{s}

	m := &DeviceMessage{}
	var err error
	if m.Address, err = f.requiredString("address"); err != nil {
		return nil, err
	}
	if m.AuditorAddress, err = f.requiredString("auditor_address"); err != nil {
		return nil, err
	}
	if name, err := f.optionalString("name"); err != nil {
		return nil, err
	} else if name != nil {
		m.Name = *name
	}
	if ts, err := f.optionalInt("timestamp"); err != nil {
		return nil, err
	} else if ts != nil {
		m.Timestamp = *ts
	}
	return m, nil
}

// UnmarshalDevice decodes a device from a queue message body.
func UnmarshalDevice(data []byte) (*DeviceMessage, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	return DeviceFromStruct(s)
}

// fields reads typed values out of a structpb.Struct.
type fields struct {
	s *structpb.Struct
}

func (f fields) get(name string) (*structpb.Value, bool) {
	v, ok := f.s.GetFields()[name]
	if !ok || v == nil {
		return nil, false
	}
	if _, isNull := v.GetKind().(*structpb.Value_NullValue); isNull {
		return nil, false
	}
	return v, true
}

func (f fields) requiredString(name string) (string, error) {
	v, err := f.optionalString(name)
	if err != nil {
		return "", err
	}
	if v == nil || *v == "" {
		return "", fmt.Errorf("%w: missing %s", ErrInvalidMessage, name)
	}
	return *v, nil
}

func (f fields) optionalString(name string) (*string, error) {
	v, ok := f.get(name)
	if !ok {
		return nil, nil
	}
	sv, isString := v.GetKind().(*structpb.Value_StringValue)
	if !isString {
		return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidMessage, name)
	}
	return &sv.StringValue, nil
}

func (f fields) requiredInt(name string) (int64, error) {
	v, err := f.optionalInt(name)
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, fmt.Errorf("%w: missing %s", ErrInvalidMessage, name)
	}
	return *v, nil
}

// optionalInt accepts a decimal string or an integral number.
func (f fields) optionalInt(name string) (*int64, error) {
	v, ok := f.get(name)
	if !ok {
		return nil, nil
	}

	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(kind.StringValue, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidMessage, name, err)
		}
		return &n, nil
	case *structpb.Value_NumberValue:
		n := int64(kind.NumberValue)
		if float64(n) != kind.NumberValue {
			return nil, fmt.Errorf("%w: %s must be an integer", ErrInvalidMessage, name)
		}
		return &n, nil
	default:
		return nil, fmt.Errorf("%w: %s must be an integer", ErrInvalidMessage, name)
	}
}

func (f fields) list(name string) []*structpb.Value {
	v, ok := f.get(name)
	if !ok {
		return nil
	}
	return v.GetListValue().GetValues()
}

func (f fields) boolean(name string) bool {
	v, ok := f.get(name)
	if !ok {
		return false
	}
	return v.GetBoolValue()
}

func (f fields) str(name string) string {
	v, _ := f.optionalString(name)
	if v == nil {
		return ""
	}
	return *v
}

func (f fields) integer(name string) int64 {
	v, _ := f.optionalInt(name)
	if v == nil {
		return 0
	}
	return *v
}
