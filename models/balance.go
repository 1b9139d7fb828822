package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InventoryBalance is the authoritative counter row for one (item, location).
// All mutating commands serialize on this row: it is locked FOR UPDATE at the
// start of the transaction and every write goes through ApplyBalanceDelta,
// which is the single place the availability invariant is enforced.
type InventoryBalance struct {
	ID          int             `gorm:"primary_key" json:"id"`
	ItemId      string          `gorm:"size:36;not null;index:uniq_balance,unique" json:"item_id"`
	LocationId  string          `gorm:"size:36;not null;index:uniq_balance,unique" json:"location_id"`
	OnHand      decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"on_hand"`
	Allocated   decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"allocated"`
	Quarantined decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quarantined"`
	Version     int64           `gorm:"not null;default:0" json:"version"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (b *InventoryBalance) Available() decimal.Decimal {
	return b.OnHand.Sub(b.Allocated).Sub(b.Quarantined)
}

// CheckBalanceInvariants validates the counter invariants for a candidate
// post-image. Violations indicate a bug upstream (commands pre-check
// availability), so they surface as consistency faults.
func CheckBalanceInvariants(onHand, allocated, quarantined decimal.Decimal) error {
	if onHand.IsNegative() || allocated.IsNegative() || quarantined.IsNegative() {
		return NewConsistencyFaultError(ErrKindNegativeAvailable,
			"negative counter: on_hand=%s allocated=%s quarantined=%s",
			onHand.StringFixed(4), allocated.StringFixed(4), quarantined.StringFixed(4))
	}
	if allocated.Add(quarantined).GreaterThan(onHand) {
		return NewConsistencyFaultError(ErrKindNegativeAvailable,
			"allocated+quarantined exceeds on_hand: on_hand=%s allocated=%s quarantined=%s",
			onHand.StringFixed(4), allocated.StringFixed(4), quarantined.StringFixed(4))
	}
	return nil
}

// GetBalance returns the balance row or a zero-valued default (not persisted).
func GetBalance(tx *gorm.DB, itemId, locationId string) (*InventoryBalance, error) {
	var b InventoryBalance
	err := tx.Where("item_id = ? AND location_id = ?", itemId, locationId).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &InventoryBalance{ItemId: itemId, LocationId: locationId}, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// LockBalanceForUpdate upserts the balance row for (item, location) and locks
// it FOR UPDATE, serializing all mutating operations on that pair for the
// remainder of the transaction.
func LockBalanceForUpdate(tx *gorm.DB, itemId, locationId string) (*InventoryBalance, error) {
	var b InventoryBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("item_id = ? AND location_id = ?", itemId, locationId).
		First(&b).Error
	if err == nil {
		return &b, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	b = InventoryBalance{ItemId: itemId, LocationId: locationId}
	if err := tx.Create(&b).Error; err != nil {
		if IsDuplicateKeyError(err) {
			// Lost the insert race; the winner's row exists now, lock it.
			var b2 InventoryBalance
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("item_id = ? AND location_id = ?", itemId, locationId).
				First(&b2).Error; err != nil {
				return nil, err
			}
			return &b2, nil
		}
		return nil, err
	}

	// Re-read under lock so concurrent transactions queue behind us.
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", b.ID).First(&b).Error; err != nil {
		return nil, err
	}
	return &b, nil
}

// ApplyBalanceDelta applies signed deltas to the counters with an optimistic
// compare-and-swap on version. A concurrent writer surfaces as
// VERSION_CONFLICT, which the gateway retries with a fresh read. An apply
// that would break non-negativity or allocated+quarantined <= on_hand fails
// with NEGATIVE_AVAILABLE and nothing is written.
func ApplyBalanceDelta(tx *gorm.DB, b *InventoryBalance, dOnHand, dAllocated, dQuarantined decimal.Decimal) error {
	newOnHand := b.OnHand.Add(dOnHand)
	newAllocated := b.Allocated.Add(dAllocated)
	newQuarantined := b.Quarantined.Add(dQuarantined)

	if err := CheckBalanceInvariants(newOnHand, newAllocated, newQuarantined); err != nil {
		return err
	}

	res := tx.Model(&InventoryBalance{}).
		Where("id = ? AND version = ?", b.ID, b.Version).
		Updates(map[string]interface{}{
			"on_hand":     newOnHand,
			"allocated":   newAllocated,
			"quarantined": newQuarantined,
			"version":     gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NewVersionConflictError("balance item=%s location=%s version=%d", b.ItemId, b.LocationId, b.Version)
	}

	b.OnHand = newOnHand
	b.Allocated = newAllocated
	b.Quarantined = newQuarantined
	b.Version++
	return nil
}
