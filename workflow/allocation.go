package workflow

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warelogic/stockcore_backend/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AllocationPolicy string

const (
	PolicyFEFO     AllocationPolicy = "FEFO"
	PolicyFIFO     AllocationPolicy = "FIFO"
	PolicyLIFO     AllocationPolicy = "LIFO"
	PolicyExplicit AllocationPolicy = "EXPLICIT"
)

// ParsePolicy resolves a caller-supplied policy selector, falling back to the
// configured default when empty.
func ParsePolicy(s string, def AllocationPolicy) (AllocationPolicy, error) {
	switch AllocationPolicy(strings.ToUpper(strings.TrimSpace(s))) {
	case "":
		return def, nil
	case PolicyFEFO:
		return PolicyFEFO, nil
	case PolicyFIFO:
		return PolicyFIFO, nil
	case PolicyLIFO:
		return PolicyLIFO, nil
	case PolicyExplicit:
		return PolicyExplicit, nil
	}
	return "", models.NewValidationError("unknown allocation policy %q", s)
}

// SortCandidates orders lots in place under the given policy. All policies
// break remaining ties on lot id, so allocation is deterministic for a fixed
// lot set.
func SortCandidates(lots []models.Lot, policy AllocationPolicy) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := &lots[i], &lots[j]
		switch policy {
		case PolicyFEFO:
			// expiration ASC NULLS LAST, then received_at, then id
			switch {
			case a.Expiration == nil && b.Expiration != nil:
				return false
			case a.Expiration != nil && b.Expiration == nil:
				return true
			case a.Expiration != nil && b.Expiration != nil && !a.Expiration.Equal(*b.Expiration):
				return a.Expiration.Before(*b.Expiration)
			}
		case PolicyLIFO:
			if !a.ReceivedAt.Equal(b.ReceivedAt) {
				return a.ReceivedAt.After(b.ReceivedAt)
			}
			return a.ID < b.ID
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
}

// AllocationPlanLine is one lot pick of a plan: take Quantity from the lot at
// index Index of the candidate slice.
type AllocationPlanLine struct {
	Index    int
	Quantity decimal.Decimal
}

// PlanAllocation walks candidates in order, taking
// min(remaining_need, lot remainder) from each. It is pure: no lot is
// modified. The second return is the unmet need; a non-zero value means the
// caller must fail the allocation without side effects.
func PlanAllocation(lots []models.Lot, need decimal.Decimal) ([]AllocationPlanLine, decimal.Decimal) {
	var plan []AllocationPlanLine
	remaining := need
	for i := range lots {
		if remaining.IsZero() || remaining.IsNegative() {
			break
		}
		avail := lots[i].QuantityRemaining
		if avail.IsZero() || avail.IsNegative() {
			continue
		}
		take := decimal.Min(remaining, avail)
		plan = append(plan, AllocationPlanLine{Index: i, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return plan, remaining
}

// loadAllocatableLots locks and returns the allocation candidates for
// (item, location): available lots with stock whose expiration clears
// now+safetyMargin. Ordering is applied by the caller via SortCandidates.
func loadAllocatableLots(tx *gorm.DB, itemId, locationId string, now time.Time, safetyMargin time.Duration) ([]models.Lot, error) {
	cutoff := now.Add(safetyMargin)
	var lots []models.Lot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("item_id = ? AND location_id = ? AND status = ? AND quantity_remaining > 0", itemId, locationId, models.LotStatusAvailable).
		Where("expiration IS NULL OR expiration > ?", cutoff).
		Order("id ASC").
		Find(&lots).Error
	return lots, err
}

// loadLotsByStatus locks available or quarantined lots without an expiration
// filter; quarantine and adjustment walks must see soon-expiring stock too.
func loadLotsByStatus(tx *gorm.DB, itemId, locationId string, status models.LotStatus) ([]models.Lot, error) {
	var lots []models.Lot
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("item_id = ? AND location_id = ? AND status = ? AND quantity_remaining > 0", itemId, locationId, status).
		Order("id ASC").
		Find(&lots).Error
	return lots, err
}

// loadExplicitLots locks the caller-supplied lots preserving the caller's
// order, validating each belongs to the reservation's (item, location) and is
// allocatable at now.
func loadExplicitLots(tx *gorm.DB, itemId, locationId string, lotIds []string, now time.Time) ([]models.Lot, error) {
	if len(lotIds) == 0 {
		return nil, models.NewValidationError("explicit policy requires lot_ids")
	}
	lots := make([]models.Lot, 0, len(lotIds))
	for _, id := range lotIds {
		lot, err := models.GetLotForUpdate(tx, id)
		if err != nil {
			return nil, err
		}
		if lot.ItemId != itemId || lot.LocationId != locationId {
			return nil, models.NewValidationError("lot %s does not belong to item %s at location %s", id, itemId, locationId)
		}
		if lot.Status == models.LotStatusExpired || (lot.Expiration != nil && !lot.Expiration.After(now)) {
			return nil, models.NewLotExpiredError("lot %s expired", id)
		}
		if lot.Status != models.LotStatusAvailable {
			return nil, models.NewValidationError("lot %s is %s, not available", id, lot.Status)
		}
		lots = append(lots, *lot)
	}
	return lots, nil
}
