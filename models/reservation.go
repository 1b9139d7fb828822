package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReservationState string

const (
	ReservationStatePending   ReservationState = "pending"
	ReservationStateAllocated ReservationState = "allocated"
	ReservationStateFulfilled ReservationState = "fulfilled"
	ReservationStateCancelled ReservationState = "cancelled"
	ReservationStateExpired   ReservationState = "expired"
)

// Terminal states are immutable.
func (s ReservationState) Terminal() bool {
	switch s {
	case ReservationStateFulfilled, ReservationStateCancelled, ReservationStateExpired:
		return true
	}
	return false
}

type OwnerKind string

const (
	OwnerKindSalesOrder  OwnerKind = "sales_order"
	OwnerKindCart        OwnerKind = "cart"
	OwnerKindWorkOrder   OwnerKind = "work_order"
	OwnerKindTransfer    OwnerKind = "transfer"
	OwnerKindFulfillment OwnerKind = "fulfillment"
)

func ValidOwnerKind(k OwnerKind) bool {
	switch k {
	case OwnerKindSalesOrder, OwnerKindCart, OwnerKindWorkOrder, OwnerKindTransfer, OwnerKindFulfillment:
		return true
	}
	return false
}

// Reservation is a promise of quantity to a downstream owner. Rows are
// retained indefinitely for audit; lifecycle is
// pending -> allocated -> fulfilled | cancelled | expired.
type Reservation struct {
	ID           string           `gorm:"size:36;primary_key" json:"id"` // uuid
	ItemId       string           `gorm:"size:36;not null;index" json:"item_id"`
	LocationId   string           `gorm:"size:36;not null;index" json:"location_id"`
	RequestedQty decimal.Decimal  `gorm:"type:decimal(20,4);not null" json:"requested_qty"`
	AllocatedQty decimal.Decimal  `gorm:"type:decimal(20,4);default:0" json:"allocated_qty"`
	State        ReservationState `gorm:"type:enum('pending','allocated','fulfilled','cancelled','expired');default:'pending';index:idx_res_state_expires,priority:1" json:"state"`
	OwnerRef     string           `gorm:"size:100;not null;index:idx_res_owner,priority:2" json:"owner_ref"`
	OwnerKind    OwnerKind        `gorm:"size:20;not null;index:idx_res_owner,priority:1" json:"owner_kind"`
	Priority     int              `gorm:"not null;default:0" json:"priority"`
	ExpiresAt    *time.Time       `gorm:"index:idx_res_state_expires,priority:2" json:"expires_at"`
	CreatedAt    time.Time        `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time        `gorm:"autoUpdateTime" json:"updated_at"`
}

type AllocationState string

const (
	AllocationStateActive    AllocationState = "active"
	AllocationStateFulfilled AllocationState = "fulfilled"
	AllocationStateReleased  AllocationState = "released"
)

// LotAllocation binds part of a reservation to a specific lot. For any
// reservation in state allocated, the sum of active+fulfilled allocation
// quantities equals reservation.allocated_qty.
type LotAllocation struct {
	ID            string          `gorm:"size:36;primary_key" json:"id"` // uuid
	ReservationId string          `gorm:"size:36;not null;index" json:"reservation_id"`
	LotId         string          `gorm:"size:36;not null;index" json:"lot_id"`
	Quantity      decimal.Decimal `gorm:"type:decimal(20,4);not null" json:"quantity"`
	State         AllocationState `gorm:"type:enum('active','fulfilled','released');default:'active'" json:"state"`
	CreatedAt     time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func GetReservationForUpdate(tx *gorm.DB, reservationId string) (*Reservation, error) {
	var r Reservation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", reservationId).First(&r).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, NewNotFoundError("reservation %s not found", reservationId)
		}
		return nil, err
	}
	return &r, nil
}

func GetActiveAllocations(tx *gorm.DB, reservationId string) ([]LotAllocation, error) {
	var allocs []LotAllocation
	err := tx.Where("reservation_id = ? AND state = ?", reservationId, AllocationStateActive).
		Order("id ASC").
		Find(&allocs).Error
	return allocs, err
}

func GetActiveAllocationsByLot(tx *gorm.DB, lotId string) ([]LotAllocation, error) {
	var allocs []LotAllocation
	err := tx.Where("lot_id = ? AND state = ?", lotId, AllocationStateActive).
		Order("id ASC").
		Find(&allocs).Error
	return allocs, err
}

func SetReservationState(tx *gorm.DB, r *Reservation, to ReservationState) error {
	if r.State.Terminal() {
		return NewValidationError("reservation %s is terminal (%s)", r.ID, r.State)
	}
	if err := tx.Model(&Reservation{}).Where("id = ?", r.ID).
		Update("state", to).Error; err != nil {
		return err
	}
	r.State = to
	return nil
}

func SetReservationAllocatedQty(tx *gorm.DB, r *Reservation, qty decimal.Decimal) error {
	if qty.GreaterThan(r.RequestedQty) {
		return NewConsistencyFaultError(ErrKindConsistencyFault,
			"reservation %s: allocated_qty %s exceeds requested_qty %s",
			r.ID, qty.StringFixed(4), r.RequestedQty.StringFixed(4))
	}
	if err := tx.Model(&Reservation{}).Where("id = ?", r.ID).
		Update("allocated_qty", qty).Error; err != nil {
		return err
	}
	r.AllocatedQty = qty
	return nil
}

func SetAllocationState(tx *gorm.DB, a *LotAllocation, to AllocationState) error {
	if err := tx.Model(&LotAllocation{}).Where("id = ?", a.ID).
		Update("state", to).Error; err != nil {
		return err
	}
	a.State = to
	return nil
}

// PendingReservedQty sums the not-yet-allocated portion of pending
// reservations for (item, location). Reserve admission subtracts this from
// the balance's available so overlapping promises cannot exceed stock.
func PendingReservedQty(tx *gorm.DB, itemId, locationId string) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := tx.Model(&Reservation{}).
		Where("item_id = ? AND location_id = ? AND state = ?", itemId, locationId, ReservationStatePending).
		Select("COALESCE(SUM(requested_qty - allocated_qty), 0)").
		Scan(&total).Error
	return total, err
}
