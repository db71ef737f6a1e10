// Package queue records offline mutations awaiting remote confirmation.
package queue

import (
	"encoding/json"
	"time"
)

// Kind is the mutation an operation replays against the remote.
type Kind string

const (
	KindCreate Kind = "create"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether kind is known.
func (kind Kind) Valid() bool {
	switch kind {
	case KindCreate, KindUpdate, KindDelete:
		return true
	default:
		return false
	}
}

// EntityType names the kind of record an operation targets.
type EntityType string

const (
	EntityNote       EntityType = "note"
	EntityWorkspace  EntityType = "workspace"
	EntityAttachment EntityType = "attachment"
)

// Valid reports whether entityType is known.
func (entityType EntityType) Valid() bool {
	switch entityType {
	case EntityNote, EntityWorkspace, EntityAttachment:
		return true
	default:
		return false
	}
}

// Operation is one durable queue entry.
type Operation struct {
	ID                  int64      `gorm:"column:operation_id;primaryKey;autoIncrement"`
	Kind                Kind       `gorm:"column:kind;size:16;not null"`
	EntityType          EntityType `gorm:"column:entity_type;size:16;not null;index:idx_sync_queue_entity,priority:1"`
	EntityID            string     `gorm:"column:entity_id;size:190;not null;index:idx_sync_queue_entity,priority:2"`
	PayloadJSON         string     `gorm:"column:payload_json;type:text;not null;default:''"`
	EnqueuedAtMillis    int64      `gorm:"column:enqueued_at_ms;not null;index:idx_sync_queue_enqueued"`
	RetryCount          int        `gorm:"column:retry_count;not null;default:0"`
	LastError           string     `gorm:"column:last_error;type:text;not null;default:''"`
	NextAttemptAtMillis int64      `gorm:"column:next_attempt_at_ms;not null;default:0"`
	Revision            int64      `gorm:"column:revision;not null;default:1"`
}

// TableName provides the explicit table binding for GORM.
func (Operation) TableName() string {
	return "sync_queue"
}

// Failed reports whether the last attempt recorded an error.
func (op Operation) Failed() bool {
	return op.LastError != ""
}

// EnqueuedAt returns the enqueue time in UTC.
func (op Operation) EnqueuedAt() time.Time {
	return time.UnixMilli(op.EnqueuedAtMillis).UTC()
}

// Ready reports whether the backoff gate allows an attempt at now.
func (op Operation) Ready(now time.Time) bool {
	return op.NextAttemptAtMillis == 0 || op.NextAttemptAtMillis <= now.UTC().UnixMilli()
}

// DecodePayload unmarshals the snapshot into out.
func (op Operation) DecodePayload(out any) error {
	if op.PayloadJSON == "" {
		return nil
	}
	return json.Unmarshal([]byte(op.PayloadJSON), out)
}

// Parked is an operation set aside on its entity after the remote reported a conflict.
type Parked struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Park captures the operation for storage on the conflicting entity.
func (op Operation) Park() Parked {
	parked := Parked{Kind: op.Kind}
	if op.PayloadJSON != "" {
		parked.Payload = json.RawMessage(op.PayloadJSON)
	}
	return parked
}

// Encode renders the parked operation as JSON.
func (parked Parked) Encode() string {
	encoded, err := json.Marshal(parked)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// DecodePayload unmarshals the parked snapshot into out.
func (parked Parked) DecodePayload(out any) error {
	if len(parked.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(parked.Payload, out)
}

// ParseParked decodes a parked operation. An empty string yields a zero value.
func ParseParked(encoded string) (Parked, error) {
	var parked Parked
	if encoded == "" {
		return parked, nil
	}
	err := json.Unmarshal([]byte(encoded), &parked)
	return parked, err
}
