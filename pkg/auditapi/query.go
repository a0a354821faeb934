package auditapi

import (
	"fmt"
	"strconv"

	"google.golang.org/protobuf/types/known/structpb"
)

// AuditStatusRequest asks whether a device has readings awaiting audit.
type AuditStatusRequest struct {
	DeviceAddress string
}

// ToStruct converts the request into its structpb representation.
func (r *AuditStatusRequest) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"device_address": r.DeviceAddress,
	})
}

// AuditStatusRequestFromStruct parses a structpb status request.
func AuditStatusRequestFromStruct(s *structpb.Struct) (*AuditStatusRequest, error) {
	addr, err := fields{s}.optionalString("device_address")
	if err != nil {
		return nil, err
	}
	r := &AuditStatusRequest{}
	if addr != nil {
		r.DeviceAddress = *addr
	}
	return r, nil
}

// AuditStatus is the audit state of one device.
type AuditStatus struct {
	DeviceAddress  string
	IsAuditPending bool
	ReadingCount   int64
}

// ToStruct converts the status into its structpb representation.
func (a *AuditStatus) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"device_address":   a.DeviceAddress,
		"is_audit_pending": a.IsAuditPending,
		"reading_count":    a.ReadingCount,
	})
}

// AuditStatusFromStruct parses a structpb status.
func AuditStatusFromStruct(s *structpb.Struct) (*AuditStatus, error) {
	f := fields{s}
	count, err := f.optionalInt("reading_count")
	if err != nil {
		return nil, err
	}
	a := &AuditStatus{
		DeviceAddress:  f.str("device_address"),
		IsAuditPending: f.boolean("is_audit_pending"),
	}
	if count != nil {
		a.ReadingCount = *count
	}
	return a, nil
}

// ListReadingsRequest pages through the readings of a device, newest first.
// PageToken is opaque and comes from a previous ReadingPage.
type ListReadingsRequest struct {
	DeviceAddress string
	PageToken     string
	PageSize      int32
}

// ToStruct converts the request into its structpb representation.
func (r *ListReadingsRequest) ToStruct() (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"device_address": r.DeviceAddress,
		"page_token":     r.PageToken,
		"page_size":      int64(r.PageSize),
	})
}

// ListReadingsRequestFromStruct parses a structpb list request.
func ListReadingsRequestFromStruct(s *structpb.Struct) (*ListReadingsRequest, error) {
	f := fields{s}
	size, err := f.optionalInt("page_size")
	if err != nil {
		return nil, err
	}
	r := &ListReadingsRequest{
		DeviceAddress: f.str("device_address"),
		PageToken:     f.str("page_token"),
	}
	if size != nil {
		r.PageSize = int32(*size)
	}
	return r, nil
}

// ReadingPage is one page of readings.
type ReadingPage struct {
	NextPageToken string
	Readings      []ReadingView
}

// ReadingView is a stored reading together with the events that audit it.
type ReadingView struct {
	PermitDeadline *int64
	DeviceAddress  string
	Signature      string
	Events         []EventView
	ID             uint64
	Value          int64
	Timestamp      int64
}

// Audited reports whether any event references the reading.
func (r *ReadingView) Audited() bool {
	return len(r.Events) > 0
}

// EventView is one decoded batch subcall event.
type EventView struct {
	TransactionHash string
	EventType       string
	BlockNumber     uint64
	Index           uint64
}

// ToStruct converts the page into its structpb representation.
func (p *ReadingPage) ToStruct() (*structpb.Struct, error) {
	readings := make([]interface{}, len(p.Readings))
	for i, r := range p.Readings {
		events := make([]interface{}, len(r.Events))
		for j, e := range r.Events {
			events[j] = map[string]interface{}{
				"transaction_hash": e.TransactionHash,
				"event_type":       e.EventType,
				"block_number":     strconv.FormatUint(e.BlockNumber, 10),
				"index":            strconv.FormatUint(e.Index, 10),
			}
		}

		reading := map[string]interface{}{
			"id":             strconv.FormatUint(r.ID, 10),
			"device_address": r.DeviceAddress,
			"value":          strconv.FormatInt(r.Value, 10),
			"timestamp":      strconv.FormatInt(r.Timestamp, 10),
			"signature":      r.Signature,
			"audited":        r.Audited(),
			"events":         events,
		}
		if r.PermitDeadline != nil {
			reading["permit_deadline"] = strconv.FormatInt(*r.PermitDeadline, 10)
		}
		readings[i] = reading
	}

	return structpb.NewStruct(map[string]interface{}{
		"next_page_token": p.NextPageToken,
		"readings":        readings,
	})
}

// ReadingPageFromStruct parses a structpb page.
func ReadingPageFromStruct(s *structpb.Struct) (*ReadingPage, error) {
	f := fields{s}
	page := &ReadingPage{NextPageToken: f.str("next_page_token")}

	for i, v := range f.list("readings") {
		rs := v.GetStructValue()
		if rs == nil {
			return nil, fmt.Errorf("%w: readings[%d] is not an object", ErrInvalidMessage, i)
		}
		rf := fields{rs}

		deadline, err := rf.optionalInt("permit_deadline")
		if err != nil {
			return nil, err
		}
		reading := ReadingView{
			ID:             uint64(rf.integer("id")),
			DeviceAddress:  rf.str("device_address"),
			Value:          rf.integer("value"),
			Timestamp:      rf.integer("timestamp"),
			Signature:      rf.str("signature"),
			PermitDeadline: deadline,
		}

		for j, ev := range rf.list("events") {
			es := ev.GetStructValue()
			if es == nil {
				return nil, fmt.Errorf("%w: readings[%d].events[%d] is not an object", ErrInvalidMessage, i, j)
			}
			ef := fields{es}
			reading.Events = append(reading.Events, EventView{
				TransactionHash: ef.str("transaction_hash"),
				EventType:       ef.str("event_type"),
				BlockNumber:     uint64(ef.integer("block_number")),
				Index:           uint64(ef.integer("index")),
			})
		}

		page.Readings = append(page.Readings, reading)
	}
	return page, nil
}
