package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type MovementKind string

const (
	MovementKindReceive      MovementKind = "receive"
	MovementKindReserve      MovementKind = "reserve"
	MovementKindAllocate     MovementKind = "allocate"
	MovementKindFulfill      MovementKind = "fulfill"
	MovementKindRelease      MovementKind = "release"
	MovementKindQuarantine   MovementKind = "quarantine"
	MovementKindUnquarantine MovementKind = "unquarantine"
	MovementKindAdjust       MovementKind = "adjust"
	MovementKindExpire       MovementKind = "expire"
	MovementKindTransferOut  MovementKind = "transfer_out"
	MovementKindTransferIn   MovementKind = "transfer_in"
)

// Movement is one immutable journal entry describing a quantity change.
// Rows are append-only; there are deliberately no update or delete helpers.
// IDs are v7 UUIDs so (at, id) gives a total order within an (item, location)
// group.
type Movement struct {
	ID            string          `gorm:"size:36;primary_key" json:"id"` // uuid v7
	At            time.Time       `gorm:"not null;index:idx_move_group,priority:3" json:"at"`
	Kind          MovementKind    `gorm:"size:20;not null" json:"kind"`
	ItemId        string          `gorm:"size:36;not null;index:idx_move_group,priority:1" json:"item_id"`
	LocationId    string          `gorm:"size:36;not null;index:idx_move_group,priority:2" json:"location_id"`
	LotId         *string         `gorm:"size:36;index" json:"lot_id"`
	ReservationId *string         `gorm:"size:36;index" json:"reservation_id"`
	Delta         decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"delta"` // signed
	UnitCost      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	Reason        string          `gorm:"size:255" json:"reason"`
	Actor         string          `gorm:"size:100" json:"actor"`
	Reference     string          `gorm:"size:100;not null;index" json:"reference"` // originating command, for correlation
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func AppendMovement(tx *gorm.DB, m *Movement) error {
	return tx.Create(m).Error
}
