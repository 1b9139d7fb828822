package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Outbox topics are a finite enum; each mutating command writes the records
// for its logical effect in the same transaction as the ledger writes.
const (
	TopicReceived           = "inventory.received"
	TopicReserved           = "inventory.reserved"
	TopicAllocated          = "inventory.allocated"
	TopicFulfilled          = "inventory.fulfilled"
	TopicReleased           = "inventory.released"
	TopicQuarantined        = "inventory.quarantined"
	TopicQuarantineReleased = "inventory.quarantine_released"
	TopicLotExpired         = "inventory.lot_expired"
	TopicAdjusted           = "inventory.adjusted"
	TopicTransferred        = "inventory.transferred"
)

// Publish statuses for OutboxRecord.PublishStatus. Kept as strings (DB
// values).
const (
	OutboxPublishStatusPending    = "PENDING"
	OutboxPublishStatusProcessing = "PROCESSING"
	OutboxPublishStatusSent       = "SENT"
	OutboxPublishStatusFailed     = "FAILED"
	OutboxPublishStatusDead       = "DEAD"
)

// OutboxRecord is append-only until published. The auto-increment ID gives
// publication order; delivery is at-least-once and consumers dedupe on
// event_id.
type OutboxRecord struct {
	ID               int        `gorm:"primary_key" json:"id"`
	EventId          string     `gorm:"size:36;not null;uniqueIndex" json:"event_id"`
	Topic            string     `gorm:"size:50;not null" json:"topic"`
	Payload          string     `gorm:"type:json;not null" json:"payload"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	PublishedAt      *time.Time `gorm:"index" json:"published_at"`
	PublishStatus    string     `gorm:"size:20;not null;default:'PENDING';index" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `json:"next_attempt_at"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"size:64" json:"locked_by"`
	LastPublishError *string    `gorm:"type:text" json:"last_publish_error"`
}

// EventPayload is the stable wire form of an outbound event.
type EventPayload struct {
	EventId       string          `json:"event_id"`
	Topic         string          `json:"topic"`
	At            time.Time       `json:"at"`
	ItemId        string          `json:"item_id"`
	LocationId    string          `json:"location_id"`
	ReservationId *string         `json:"reservation_id,omitempty"`
	LotId         *string         `json:"lot_id,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Version       int64           `json:"version"`
	Cause         string          `json:"cause"`
}

// AppendOutbox inserts the event record in the caller's transaction so it
// commits (or rolls back) atomically with the mutation that produced it.
func AppendOutbox(tx *gorm.DB, ev EventPayload) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	rec := OutboxRecord{
		EventId:       ev.EventId,
		Topic:         ev.Topic,
		Payload:       string(raw),
		PublishStatus: OutboxPublishStatusPending,
	}
	return tx.Create(&rec).Error
}
