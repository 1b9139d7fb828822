package models

import (
	"time"
)

// InventoryItem and Location are immutable identities. The core never creates
// them as part of command handling; they are seeded by external collaborators
// (catalog, warehouse setup) and referenced by id.

type InventoryItem struct {
	ID  string `gorm:"size:36;primary_key" json:"id"` // uuid
	Sku string `gorm:"size:100;not null;uniqueIndex" json:"sku"`
	Uom string `gorm:"size:20;not null;default:'ea'" json:"uom"`
	// Per-item shelf-life floor: lots expiring within this margin are not
	// allocation candidates. 0 means only already-expired lots are excluded.
	ShelfLifeSafetyMarginSeconds int       `gorm:"not null;default:0" json:"shelf_life_safety_margin_seconds"`
	CreatedAt                    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt                    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type LocationKind string

const (
	LocationKindWarehouse LocationKind = "warehouse"
	LocationKindBin       LocationKind = "bin"
	LocationKindVirtual   LocationKind = "virtual"
)

type Location struct {
	ID        string       `gorm:"size:36;primary_key" json:"id"` // uuid
	Kind      LocationKind `gorm:"type:enum('warehouse','bin','virtual');default:'warehouse'" json:"kind"`
	Name      string       `gorm:"size:100;not null" json:"name"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
