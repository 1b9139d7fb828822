package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type LotStatus string

const (
	LotStatusAvailable   LotStatus = "available"
	LotStatusQuarantined LotStatus = "quarantined"
	LotStatusExpired     LotStatus = "expired"
	LotStatusConsumed    LotStatus = "consumed"
)

// Lot is a physically distinct receipt of stock. quantity_remaining is the
// portion not yet carved out by an allocation, quarantine split, adjustment,
// or transfer; it never goes negative.
//
// Status transitions: available -> quarantined -> available,
// available -> expired, available -> consumed (remainder hits 0 through
// fulfillment).
type Lot struct {
	ID                string          `gorm:"size:36;primary_key" json:"id"` // uuid
	ItemId            string          `gorm:"size:36;not null;index:idx_lot_candidates,priority:1" json:"item_id"`
	LocationId        string          `gorm:"size:36;not null;index:idx_lot_candidates,priority:2" json:"location_id"`
	LotNumber         string          `gorm:"size:100;not null" json:"lot_number"`
	ReceivedAt        time.Time       `gorm:"not null" json:"received_at"`
	Expiration        *time.Time      `gorm:"index:idx_lot_candidates,priority:4" json:"expiration"`
	Status            LotStatus       `gorm:"type:enum('available','quarantined','expired','consumed');default:'available';index:idx_lot_candidates,priority:3" json:"status"`
	QuantityRemaining decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"quantity_remaining"`
	UnitCost          decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_cost"`
	Version           int64           `gorm:"not null;default:0" json:"version"`
	CreatedAt         time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetLot(tx *gorm.DB, lotId string) (*Lot, error) {
	var lot Lot
	if err := tx.Where("id = ?", lotId).First(&lot).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("lot %s not found", lotId)
		}
		return nil, err
	}
	return &lot, nil
}

func GetLotForUpdate(tx *gorm.DB, lotId string) (*Lot, error) {
	var lot Lot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", lotId).First(&lot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("lot %s not found", lotId)
		}
		return nil, err
	}
	return &lot, nil
}

// ConsumeLotQuantity carves qty out of the lot's remainder. The guarded
// UPDATE keeps the remainder non-negative even under concurrent writers; a
// zero-row result means the remainder moved underneath us, which is a bug in
// the caller's locking, never user error.
func ConsumeLotQuantity(tx *gorm.DB, lot *Lot, qty decimal.Decimal) error {
	if qty.IsNegative() || qty.IsZero() {
		return NewValidationError("consume quantity must be positive, got %s", qty)
	}
	res := tx.Model(&Lot{}).
		Where("id = ? AND quantity_remaining >= ?", lot.ID, qty).
		Updates(map[string]interface{}{
			"quantity_remaining": gorm.Expr("quantity_remaining - ?", qty),
			"version":            gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return NewConsistencyFaultError(ErrKindLotOverconsumption,
			"lot %s: consume %s exceeds remainder %s", lot.ID, qty.StringFixed(4), lot.QuantityRemaining.StringFixed(4))
	}
	lot.QuantityRemaining = lot.QuantityRemaining.Sub(qty)
	lot.Version++
	return nil
}

// ReturnLotQuantity puts qty back onto the lot (allocation release, expiry
// rollback). A consumed lot regaining quantity becomes available again.
func ReturnLotQuantity(tx *gorm.DB, lot *Lot, qty decimal.Decimal) error {
	if qty.IsNegative() || qty.IsZero() {
		return NewValidationError("return quantity must be positive, got %s", qty)
	}
	updates := map[string]interface{}{
		"quantity_remaining": gorm.Expr("quantity_remaining + ?", qty),
		"version":            gorm.Expr("version + 1"),
	}
	if lot.Status == LotStatusConsumed {
		updates["status"] = LotStatusAvailable
		lot.Status = LotStatusAvailable
	}
	if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).Updates(updates).Error; err != nil {
		return err
	}
	lot.QuantityRemaining = lot.QuantityRemaining.Add(qty)
	lot.Version++
	return nil
}

// SetLotStatus transitions the lot's status after validating the move is one
// the lifecycle allows.
func SetLotStatus(tx *gorm.DB, lot *Lot, to LotStatus) error {
	if !lotTransitionAllowed(lot.Status, to) {
		return NewValidationError("lot %s: illegal status transition %s -> %s", lot.ID, lot.Status, to)
	}
	if err := tx.Model(&Lot{}).Where("id = ?", lot.ID).Updates(map[string]interface{}{
		"status":  to,
		"version": gorm.Expr("version + 1"),
	}).Error; err != nil {
		return err
	}
	lot.Status = to
	lot.Version++
	return nil
}

func lotTransitionAllowed(from, to LotStatus) bool {
	switch from {
	case LotStatusAvailable:
		return to == LotStatusQuarantined || to == LotStatusExpired || to == LotStatusConsumed
	case LotStatusQuarantined:
		return to == LotStatusAvailable || to == LotStatusExpired
	case LotStatusConsumed:
		return to == LotStatusAvailable
	}
	return false
}

// SplitLot carves qty off lot into a new row with the given status, keeping
// lot_number, dates and cost. Used by partial quarantine and transfers so the
// lot-sum invariant stays exact.
func SplitLot(tx *gorm.DB, lot *Lot, qty decimal.Decimal, newID string, status LotStatus) (*Lot, error) {
	if err := ConsumeLotQuantity(tx, lot, qty); err != nil {
		return nil, err
	}
	part := Lot{
		ID:                newID,
		ItemId:            lot.ItemId,
		LocationId:        lot.LocationId,
		LotNumber:         lot.LotNumber,
		ReceivedAt:        lot.ReceivedAt,
		Expiration:        lot.Expiration,
		Status:            status,
		QuantityRemaining: qty,
		UnitCost:          lot.UnitCost,
	}
	if err := tx.Create(&part).Error; err != nil {
		return nil, err
	}
	return &part, nil
}
