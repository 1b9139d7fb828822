package workflow

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warelogic/stockcore_backend/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm"
)

// ConsistencyFinding is one balance whose lot ledger no longer backs its
// counters.
type ConsistencyFinding struct {
	ItemId     string          `json:"item_id"`
	LocationId string          `json:"location_id"`
	Message    string          `json:"message"`
	Expected   decimal.Decimal `json:"expected"`
	Actual     decimal.Decimal `json:"actual"`
}

// AuditBalances cross-checks every balance row against its lots, active
// allocations, and counter arithmetic. The pass is read-only; findings are
// reported, logged, and counted, never repaired.
//
// For each (item, location):
//
//	on_hand - quarantined = available lot remainders + active allocations
//	quarantined           = quarantined + expired lot remainders
func AuditBalances(ctx context.Context, db *gorm.DB, logger *logrus.Logger) ([]ConsistencyFinding, error) {
	var balances []models.InventoryBalance
	if err := db.WithContext(ctx).Order("item_id ASC, location_id ASC").Find(&balances).Error; err != nil {
		return nil, err
	}

	var findings []ConsistencyFinding
	for i := range balances {
		b := &balances[i]
		if err := ctx.Err(); err != nil {
			return findings, err
		}

		if err := models.CheckBalanceInvariants(b.OnHand, b.Allocated, b.Quarantined); err != nil {
			findings = append(findings, ConsistencyFinding{
				ItemId:     b.ItemId,
				LocationId: b.LocationId,
				Message:    err.Error(),
			})
		}

		availSum, err := sumLotRemainders(ctx, db, b.ItemId, b.LocationId, models.LotStatusAvailable)
		if err != nil {
			return findings, err
		}
		blockedSum, err := sumBlockedRemainders(ctx, db, b.ItemId, b.LocationId)
		if err != nil {
			return findings, err
		}
		allocSum, err := sumActiveAllocations(ctx, db, b.ItemId, b.LocationId)
		if err != nil {
			return findings, err
		}

		if expected := b.OnHand.Sub(b.Quarantined); !availSum.Add(allocSum).Equal(expected) {
			findings = append(findings, ConsistencyFinding{
				ItemId:     b.ItemId,
				LocationId: b.LocationId,
				Message:    "available lots plus active allocations do not cover on_hand minus quarantined",
				Expected:   expected,
				Actual:     availSum.Add(allocSum),
			})
		}
		if !blockedSum.Equal(b.Quarantined) {
			findings = append(findings, ConsistencyFinding{
				ItemId:     b.ItemId,
				LocationId: b.LocationId,
				Message:    "quarantined and expired lot remainders do not match the quarantined counter",
				Expected:   b.Quarantined,
				Actual:     blockedSum,
			})
		}
	}

	for _, f := range findings {
		logger.WithFields(logrus.Fields{
			"item_id":     f.ItemId,
			"location_id": f.LocationId,
			"expected":    f.Expected.String(),
			"actual":      f.Actual.String(),
		}).Error("consistency audit: " + f.Message)
		if c := consistencyFaultCounter(); c != nil {
			c.Add(ctx, 1, metric.WithAttributes(attribute.String("command", "audit")))
		}
	}
	return findings, nil
}

func sumLotRemainders(ctx context.Context, db *gorm.DB, itemId, locationId string, status models.LotStatus) (decimal.Decimal, error) {
	var out decimal.NullDecimal
	err := db.WithContext(ctx).Model(&models.Lot{}).
		Select("COALESCE(SUM(quantity_remaining), 0)").
		Where("item_id = ? AND location_id = ? AND status = ?", itemId, locationId, status).
		Scan(&out).Error
	if err != nil {
		return decimal.Zero, err
	}
	return out.Decimal, nil
}

func sumBlockedRemainders(ctx context.Context, db *gorm.DB, itemId, locationId string) (decimal.Decimal, error) {
	var out decimal.NullDecimal
	err := db.WithContext(ctx).Model(&models.Lot{}).
		Select("COALESCE(SUM(quantity_remaining), 0)").
		Where("item_id = ? AND location_id = ? AND status IN ?", itemId, locationId,
			[]models.LotStatus{models.LotStatusQuarantined, models.LotStatusExpired}).
		Scan(&out).Error
	if err != nil {
		return decimal.Zero, err
	}
	return out.Decimal, nil
}

func sumActiveAllocations(ctx context.Context, db *gorm.DB, itemId, locationId string) (decimal.Decimal, error) {
	var out decimal.NullDecimal
	err := db.WithContext(ctx).Model(&models.LotAllocation{}).
		Select("COALESCE(SUM(lot_allocations.quantity), 0)").
		Joins("JOIN reservations ON reservations.id = lot_allocations.reservation_id").
		Where("lot_allocations.state = ? AND reservations.item_id = ? AND reservations.location_id = ?",
			models.AllocationStateActive, itemId, locationId).
		Scan(&out).Error
	if err != nil {
		return decimal.Zero, err
	}
	return out.Decimal, nil
}
