package models

import (
	"github.com/warelogic/stockcore_backend/config"
)

// MigrateTable creates/updates the persisted relations. Balances, lots,
// movements and outbox records are created by commands and never deleted;
// only the idempotency table is subject to TTL cleanup.
func MigrateTable() {
	db := config.GetDB()

	db.AutoMigrate(&InventoryItem{})
	db.AutoMigrate(&Location{})
	db.AutoMigrate(&InventoryBalance{})
	db.AutoMigrate(&Lot{})
	db.AutoMigrate(&Reservation{})
	db.AutoMigrate(&LotAllocation{})
	db.AutoMigrate(&Movement{})
	db.AutoMigrate(&OutboxRecord{})
	db.AutoMigrate(&IdempotencyRecord{})
}
