package workflow

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warelogic/stockcore_backend/config"
	"github.com/warelogic/stockcore_backend/models"
	"github.com/warelogic/stockcore_backend/utils"
	"gorm.io/gorm"
)

// op carries the per-transaction dependencies of one command application.
// Every applier runs inside a single serializable transaction opened by the
// gateway and starts by locking the balance row for its (item, location), so
// operations on the same pair are linearizable.
type op struct {
	tx       *gorm.DB
	logger   *logrus.Logger
	clock    utils.Clock
	ids      utils.IDSource
	settings config.RuntimeSettings
	actor    string
	// reference correlates journal rows and events back to the originating
	// command: "<command_name>:<idempotency_key>" or a generated id.
	reference string
}

func (o *op) movement(kind models.MovementKind, itemId, locationId string, lotId, reservationId *string, delta, unitCost decimal.Decimal, reason string) error {
	return models.AppendMovement(o.tx, &models.Movement{
		ID:            o.ids.NewOrderedID(),
		At:            o.clock.Now(),
		Kind:          kind,
		ItemId:        itemId,
		LocationId:    locationId,
		LotId:         lotId,
		ReservationId: reservationId,
		Delta:         delta,
		UnitCost:      unitCost,
		Reason:        reason,
		Actor:         o.actor,
		Reference:     o.reference,
	})
}

func (o *op) event(topic, itemId, locationId string, reservationId, lotId *string, qty decimal.Decimal, version int64) error {
	return models.AppendOutbox(o.tx, models.EventPayload{
		EventId:       o.ids.NewOrderedID(),
		Topic:         topic,
		At:            o.clock.Now(),
		ItemId:        itemId,
		LocationId:    locationId,
		ReservationId: reservationId,
		LotId:         lotId,
		Quantity:      qty,
		Version:       version,
		Cause:         o.reference,
	})
}

func balanceSnapshot(b *models.InventoryBalance) *BalanceSnapshot {
	return &BalanceSnapshot{
		ItemId:      b.ItemId,
		LocationId:  b.LocationId,
		OnHand:      b.OnHand,
		Allocated:   b.Allocated,
		Quarantined: b.Quarantined,
		Available:   b.Available(),
		Version:     b.Version,
	}
}

func (o *op) applyReceive(p ReceivePayload) (*CommandResult, error) {
	if !p.Quantity.IsPositive() {
		return nil, models.NewValidationError("receive quantity must be positive, got %s", p.Quantity)
	}
	if p.UnitCost.IsNegative() {
		return nil, models.NewValidationError("unit cost cannot be negative, got %s", p.UnitCost)
	}

	bal, err := models.LockBalanceForUpdate(o.tx, p.ItemId, p.LocationId)
	if err != nil {
		return nil, err
	}

	lotNumber := p.LotNumber
	if lotNumber == "" {
		lotNumber = "LOT-" + o.ids.NewOrderedID()
	}

	// Same lot number + expiration at the same place is a repeat receipt into
	// the existing lot; anything else is a new lot.
	lot, err := o.findReceivableLot(p.ItemId, p.LocationId, lotNumber, p.Expiration)
	if err != nil {
		return nil, err
	}
	if lot != nil {
		if err := models.ReturnLotQuantity(o.tx, lot, p.Quantity); err != nil {
			return nil, err
		}
	} else {
		lot = &models.Lot{
			ID:                o.ids.NewID(),
			ItemId:            p.ItemId,
			LocationId:        p.LocationId,
			LotNumber:         lotNumber,
			ReceivedAt:        o.clock.Now(),
			Expiration:        p.Expiration,
			Status:            models.LotStatusAvailable,
			QuantityRemaining: p.Quantity,
			UnitCost:          p.UnitCost,
		}
		if err := o.tx.Create(lot).Error; err != nil {
			return nil, err
		}
	}

	if err := models.ApplyBalanceDelta(o.tx, bal, p.Quantity, decimal.Zero, decimal.Zero); err != nil {
		return nil, err
	}
	if err := o.movement(models.MovementKindReceive, p.ItemId, p.LocationId, &lot.ID, nil, p.Quantity, p.UnitCost, ""); err != nil {
		return nil, err
	}
	if err := o.event(models.TopicReceived, p.ItemId, p.LocationId, nil, &lot.ID, p.Quantity, bal.Version); err != nil {
		return nil, err
	}

	return &CommandResult{
		Command: CommandReceive,
		LotId:   lot.ID,
		Balance: balanceSnapshot(bal),
	}, nil
}

func (o *op) findReceivableLot(itemId, locationId, lotNumber string, expiration *time.Time) (*models.Lot, error) {
	q := o.tx.Where("item_id = ? AND location_id = ? AND lot_number = ? AND status IN ?",
		itemId, locationId, lotNumber, []models.LotStatus{models.LotStatusAvailable, models.LotStatusConsumed})
	if expiration == nil {
		q = q.Where("expiration IS NULL")
	} else {
		q = q.Where("expiration = ?", expiration)
	}
	var lots []models.Lot
	if err := q.Order("id ASC").Limit(1).Find(&lots).Error; err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}
	return &lots[0], nil
}

func (o *op) applyReserve(p ReservePayload) (*CommandResult, error) {
	if !p.Quantity.IsPositive() {
		return nil, models.NewValidationError("reserve quantity must be positive, got %s", p.Quantity)
	}
	if !models.ValidOwnerKind(p.OwnerKind) {
		return nil, models.NewValidationError("unknown owner kind %q", p.OwnerKind)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(o.clock.Now()) {
		return nil, models.NewValidationError("expires_at is in the past")
	}

	bal, err := models.LockBalanceForUpdate(o.tx, p.ItemId, p.LocationId)
	if err != nil {
		return nil, err
	}

	// Admission is all-or-nothing against available minus what pending
	// reservations have already been promised.
	pending, err := models.PendingReservedQty(o.tx, p.ItemId, p.LocationId)
	if err != nil {
		return nil, err
	}
	admissible := bal.Available().Sub(pending)
	if admissible.IsNegative() {
		admissible = decimal.Zero
	}
	if p.Quantity.GreaterThan(admissible) {
		return nil, models.NewInsufficientAvailableError(p.Quantity, admissible)
	}

	res := models.Reservation{
		ID:           o.ids.NewID(),
		ItemId:       p.ItemId,
		LocationId:   p.LocationId,
		RequestedQty: p.Quantity,
		AllocatedQty: decimal.Zero,
		State:        models.ReservationStatePending,
		OwnerRef:     p.OwnerRef,
		OwnerKind:    p.OwnerKind,
		Priority:     p.Priority,
		ExpiresAt:    p.ExpiresAt,
	}
	if err := o.tx.Create(&res).Error; err != nil {
		return nil, err
	}

	// Reserving does not move counters, but the balance version still ticks
	// so readers and events see one version per mutation.
	if err := models.ApplyBalanceDelta(o.tx, bal, decimal.Zero, decimal.Zero, decimal.Zero); err != nil {
		return nil, err
	}
	if err := o.movement(models.MovementKindReserve, p.ItemId, p.LocationId, nil, &res.ID, decimal.Zero, decimal.Zero, ""); err != nil {
		return nil, err
	}
	if err := o.event(models.TopicReserved, p.ItemId, p.LocationId, &res.ID, nil, p.Quantity, bal.Version); err != nil {
		return nil, err
	}

	return &CommandResult{
		Command:       CommandReserve,
		ReservationId: res.ID,
		State:         string(res.State),
		Balance:       balanceSnapshot(bal),
	}, nil
}

func (o *op) applyAllocate(p AllocatePayload) (*CommandResult, error) {
	res, err := models.GetReservationForUpdate(o.tx, p.ReservationId)
	if err != nil {
		return nil, err
	}
	if res.State != models.ReservationStatePending {
		return nil, models.NewValidationError("reservation %s is %s, not pending", res.ID, res.State)
	}

	bal, err := models.LockBalanceForUpdate(o.tx, res.ItemId, res.LocationId)
	if err != nil {
		return nil, err
	}

	defPolicy := AllocationPolicy(o.settings.AllocationDefaultPolicy)
	policy, err := ParsePolicy(p.Policy, defPolicy)
	if err != nil {
		return nil, err
	}
	if len(p.LotIds) > 0 && policy != PolicyExplicit {
		return nil, models.NewValidationError("lot_ids are only valid with the EXPLICIT policy")
	}

	now := o.clock.Now()
	var candidates []models.Lot
	if policy == PolicyExplicit {
		candidates, err = loadExplicitLots(o.tx, res.ItemId, res.LocationId, p.LotIds, now)
		if err != nil {
			return nil, err
		}
	} else {
		margin, err := o.safetyMargin(res.ItemId)
		if err != nil {
			return nil, err
		}
		candidates, err = loadAllocatableLots(o.tx, res.ItemId, res.LocationId, now, margin)
		if err != nil {
			return nil, err
		}
		SortCandidates(candidates, policy)
	}

	need := res.RequestedQty.Sub(res.AllocatedQty)
	plan, unmet := PlanAllocation(candidates, need)
	if unmet.IsPositive() {
		return nil, models.NewInsufficientAvailableError(need, need.Sub(unmet))
	}

	allocLines := make([]AllocationLine, 0, len(plan))
	for _, line := range plan {
		lot := &candidates[line.Index]
		if err := models.ConsumeLotQuantity(o.tx, lot, line.Quantity); err != nil {
			return nil, err
		}
		alloc := models.LotAllocation{
			ID:            o.ids.NewID(),
			ReservationId: res.ID,
			LotId:         lot.ID,
			Quantity:      line.Quantity,
			State:         models.AllocationStateActive,
		}
		if err := o.tx.Create(&alloc).Error; err != nil {
			return nil, err
		}
		if err := o.movement(models.MovementKindAllocate, res.ItemId, res.LocationId, &lot.ID, &res.ID, line.Quantity.Neg(), lot.UnitCost, ""); err != nil {
			return nil, err
		}
		allocLines = append(allocLines, AllocationLine{LotId: lot.ID, Quantity: line.Quantity})
	}

	if err := models.SetReservationAllocatedQty(o.tx, res, res.RequestedQty); err != nil {
		return nil, err
	}
	if err := models.SetReservationState(o.tx, res, models.ReservationStateAllocated); err != nil {
		return nil, err
	}
	if err := models.ApplyBalanceDelta(o.tx, bal, decimal.Zero, need, decimal.Zero); err != nil {
		return nil, err
	}
	if err := o.event(models.TopicAllocated, res.ItemId, res.LocationId, &res.ID, nil, need, bal.Version); err != nil {
		return nil, err
	}

	return &CommandResult{
		Command:       CommandAllocate,
		ReservationId: res.ID,
		State:         string(res.State),
		Allocations:   allocLines,
		Balance:       balanceSnapshot(bal),
	}, nil
}

func (o *op) safetyMargin(itemId string) (time.Duration, error) {
	margin := o.settings.AllocationSafetyMargin
	var item models.InventoryItem
	err := o.tx.Where("id = ?", itemId).First(&item).Error
	if err == nil && item.ShelfLifeSafetyMarginSeconds > 0 {
		margin = time.Duration(item.ShelfLifeSafetyMarginSeconds) * time.Second
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	return margin, nil
}

func (o *op) applyFulfill(p FulfillPayload) (*CommandResult, error) {
	if len(p.Lines) == 0 {
		return nil, models.NewValidationError("fulfill requires at least one line")
	}

	res, err := models.GetReservationForUpdate(o.tx, p.ReservationId)
	if err != nil {
		return nil, err
	}
	if res.State != models.ReservationStateAllocated {
		return nil, models.NewValidationError("reservation %s is %s, not allocated", res.ID, res.State)
	}

	bal, err := models.LockBalanceForUpdate(o.tx, res.ItemId, res.LocationId)
	if err != nil {
		return nil, err
	}

	active, err := models.GetActiveAllocations(o.tx, res.ID)
	if err != nil {
		return nil, err
	}
	byLot := make(map[string]*models.LotAllocation, len(active))
	for i := range active {
		byLot[active[i].LotId] = &active[i]
	}

	total := decimal.Zero
	seen := make(map[string]bool, len(p.Lines))
	for _, line := range p.Lines {
		if !line.Quantity.IsPositive() {
			return nil, models.NewValidationError("fulfill quantity must be positive, got %s", line.Quantity)
		}
		if seen[line.LotId] {
			return nil, models.NewValidationError("duplicate fulfill line for lot %s", line.LotId)
		}
		seen[line.LotId] = true
		alloc, ok := byLot[line.LotId]
		if ok && alloc.State != models.AllocationStateActive {
			ok = false
		}
		if !ok {
			return nil, models.NewNotFoundError("reservation %s has no active allocation on lot %s", res.ID, line.LotId)
		}
		if line.Quantity.GreaterThan(alloc.Quantity) {
			return nil, models.NewValidationError("fulfill %s exceeds allocation %s on lot %s",
				line.Quantity.StringFixed(4), alloc.Quantity.StringFixed(4), line.LotId)
		}
		total = total.Add(line.Quantity)
	}

	for _, line := range p.Lines {
		alloc := byLot[line.LotId]
		lot, err := models.GetLotForUpdate(o.tx, line.LotId)
		if err != nil {
			return nil, err
		}

		if line.Quantity.Equal(alloc.Quantity) {
			if err := models.SetAllocationState(o.tx, alloc, models.AllocationStateFulfilled); err != nil {
				return nil, err
			}
		} else {
			// Split the allocation: fulfilled portion becomes its own row so
			// the closure invariant stays exact.
			remainder := alloc.Quantity.Sub(line.Quantity)
			if err := o.tx.Model(&models.LotAllocation{}).Where("id = ?", alloc.ID).
				Update("quantity", remainder).Error; err != nil {
				return nil, err
			}
			alloc.Quantity = remainder
			done := models.LotAllocation{
				ID:            o.ids.NewID(),
				ReservationId: res.ID,
				LotId:         line.LotId,
				Quantity:      line.Quantity,
				State:         models.AllocationStateFulfilled,
			}
			if err := o.tx.Create(&done).Error; err != nil {
				return nil, err
			}
		}

		if err := o.retireLotIfDrained(lot); err != nil {
			return nil, err
		}
		if err := o.movement(models.MovementKindFulfill, res.ItemId, res.LocationId, &lot.ID, &res.ID, line.Quantity.Neg(), lot.UnitCost, ""); err != nil {
			return nil, err
		}
	}

	if err := models.ApplyBalanceDelta(o.tx, bal, total.Neg(), total.Neg(), decimal.Zero); err != nil {
		return nil, err
	}

	remainingActive, err := models.GetActiveAllocations(o.tx, res.ID)
	if err != nil {
		return nil, err
	}
	topic := models.TopicAllocated // partial
	if len(remainingActive) == 0 {
		topic = models.TopicFulfilled
		if err := models.SetReservationState(o.tx, res, models.ReservationStateFulfilled); err != nil {
			return nil, err
		}
	}
	if err := o.event(topic, res.ItemId, res.LocationId, &res.ID, nil, total, bal.Version); err != nil {
		return nil, err
	}

	return &CommandResult{
		Command:       CommandFulfill,
		ReservationId: res.ID,
		State:         string(res.State),
		Balance:       balanceSnapshot(bal),
	}, nil
}

// retireLotIfDrained flips an available lot to consumed once both its
// remainder and its active allocations are gone.
func (o *op) retireLotIfDrained(lot *models.Lot) error {
	if lot.Status != models.LotStatusAvailable || !lot.QuantityRemaining.IsZero() {
		return nil
	}
	allocs, err := models.GetActiveAllocationsByLot(o.tx, lot.ID)
	if err != nil {
		return err
	}
	if len(allocs) > 0 {
		return nil
	}
	return models.SetLotStatus(o.tx, lot, models.LotStatusConsumed)
}

func (o *op) applyCancel(p CancelPayload) (*CommandResult, error) {
	res, err := models.GetReservationForUpdate(o.tx, p.ReservationId)
	if err != nil {
		return nil, err
	}
	if res.State.Terminal() {
		return nil, models.NewValidationError("reservation %s is already %s", res.ID, res.State)
	}
	return o.closeReservation(res, p.Reason, CommandCancel, models.ReservationStateCancelled)
}

// applyExpireReservation is the sweeper's terminal transition for overdue
// pending reservations. A pending reservation can still carry active
// allocations left over from a partial rollback, so the release path is the
// same as cancel's.
func (o *op) applyExpireReservation(p ExpireReservationPayload) (*CommandResult, error) {
	res, err := models.GetReservationForUpdate(o.tx, p.ReservationId)
	if err != nil {
		return nil, err
	}
	if res.State != models.ReservationStatePending {
		return nil, models.NewValidationError("reservation %s is %s, not pending", res.ID, res.State)
	}
	return o.closeReservation(res, "reservation expired", CommandExpireReservation, models.ReservationStateExpired)
}

func (o *op) closeReservation(res *models.Reservation, reason, command string, to models.ReservationState) (*CommandResult, error) {
	bal, err := models.LockBalanceForUpdate(o.tx, res.ItemId, res.LocationId)
	if err != nil {
		return nil, err
	}

	released, blocked, err := o.releaseActiveAllocations(res, reason)
	if err != nil {
		return nil, err
	}
	// Quantity returned to a quarantined or expired lot is blocked, not
	// available, so the quarantined counter grows with it.
	if err := models.ApplyBalanceDelta(o.tx, bal, decimal.Zero, released.Neg(), blocked); err != nil {
		return nil, err
	}
	if err := models.SetReservationState(o.tx, res, to); err != nil {
		return nil, err
	}

	freed := res.RequestedQty
	if released.IsPositive() {
		freed = released
	}
	if err := o.event(models.TopicReleased, res.ItemId, res.LocationId, &res.ID, nil, freed, bal.Version); err != nil {
		return nil, err
	}

	return &CommandResult{
		Command:       command,
		ReservationId: res.ID,
		State:         string(res.State),
		Balance:       balanceSnapshot(bal),
	}, nil
}

// releaseActiveAllocations returns every active allocation's quantity to its
// lot, marks the rows released, and journals the release. The caller applies
// the aggregate allocated-counter decrement; blocked is the portion that
// landed on lots no longer available and belongs in the quarantined counter.
func (o *op) releaseActiveAllocations(res *models.Reservation, reason string) (total, blocked decimal.Decimal, err error) {
	allocs, err := models.GetActiveAllocations(o.tx, res.ID)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	total, blocked = decimal.Zero, decimal.Zero
	for i := range allocs {
		alloc := &allocs[i]
		lot, err := models.GetLotForUpdate(o.tx, alloc.LotId)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if err := models.ReturnLotQuantity(o.tx, lot, alloc.Quantity); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if lot.Status == models.LotStatusQuarantined || lot.Status == models.LotStatusExpired {
			blocked = blocked.Add(alloc.Quantity)
		}
		if err := models.SetAllocationState(o.tx, alloc, models.AllocationStateReleased); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		if err := o.movement(models.MovementKindRelease, res.ItemId, res.LocationId, &lot.ID, &res.ID, alloc.Quantity, lot.UnitCost, reason); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		total = total.Add(alloc.Quantity)
	}
	return total, blocked, nil
}

func (o *op) applyQuarantine(p QuarantinePayload) (*CommandResult, error) {
	if !p.Quantity.IsPositive() {
		return nil, models.NewValidationError("quarantine quantity must be positive, got %s", p.Quantity)
	}

	bal, err := models.LockBalanceForUpdate(o.tx, p.ItemId, p.LocationId)
	if err != nil {
		return nil, err
	}
	if p.Quantity.GreaterThan(bal.Available()) {
		return nil, models.NewInsufficientAvailableError(p.Quantity, bal.Available())
	}

	lots, err := loadLotsByStatus(o.tx, p.ItemId, p.LocationId, models.LotStatusAvailable)
	if err != nil {
		return nil, err
	}
	SortCandidates(lots, PolicyFEFO)

	need := p.Quantity
	for i := range lots {
		if !need.IsPositive() {
			break
		}
		lot := &lots[i]
		take := decimal.Min(need, lot.QuantityRemaining)
		if take.Equal(lot.QuantityRemaining) {
			if err := models.SetLotStatus(o.tx, lot, models.LotStatusQuarantined); err != nil {
				return nil, err
			}
			if err := o.movement(models.MovementKindQuarantine, p.ItemId, p.LocationId, &lot.ID, nil, take.Neg(), lot.UnitCost, p.Reason); err != nil {
				return nil, err
			}
		} else {
			part, err := models.SplitLot(o.tx, lot, take, o.ids.NewID(), models.LotStatusQuarantined)
			if err != nil {
				return nil, err
			}
			if err := o.movement(models.MovementKindQuarantine, p.ItemId, p.LocationId, &part.ID, nil, take.Neg(), part.UnitCost, p.Reason); err != nil {
				return nil, err
			}
		}
		need = need.Sub(take)
	}
	if need.IsPositive() {
		// The balance admitted the quantity but the lot walk ran dry: the lot
		// sum no longer matches the counters.
		return nil, models.NewConsistencyFaultError(models.ErrKindConsistencyFault,
			"quarantine item=%s location=%s: %s uncovered by available lots", p.ItemId, p.LocationId, need.StringFixed(4))
	}

	if err := models.ApplyBalanceDelta(o.tx, bal, decimal.Zero, decimal.Zero, p.Quantity); err != nil {
		return nil, err
	}
	if err := o.event(models.TopicQuarantined, p.ItemId, p.LocationId, nil, nil, p.Quantity, bal.Version); err != nil {
		return nil, err
	}

	return &CommandResult{Command: CommandQuarantine, Balance: balanceSnapshot(bal)}, nil
}

func (o *op) applyReleaseQuarantine(p ReleaseQuarantinePayload) (*CommandResult, error) {
	if !p.Quantity.IsPositive() {
		return nil, models.NewValidationError("release quantity must be positive, got %s", p.Quantity)
	}

	bal, err := models.LockBalanceForUpdate(o.tx, p.ItemId, p.LocationId)
	if err != nil {
		return nil, err
	}

	lots, err := loadLotsByStatus(o.tx, p.ItemId, p.LocationId, models.LotStatusQuarantined)
	if err != nil {
		return nil, err
	}
	SortCandidates(lots, PolicyFEFO)

	// Expired remainders also sit in the quarantined counter but are not
	// releasable, so admit against the lot backing, not the counter.
	backing := decimal.Zero
	for i := range lots {
		backing = backing.Add(lots[i].QuantityRemaining)
	}
	if p.Quantity.GreaterThan(backing) {
		return nil, models.NewInsufficientAvailableError(p.Quantity, backing)
	}

	need := p.Quantity
	for i := range lots {
		if !need.IsPositive() {
			break
		}
		lot := &lots[i]
		take := decimal.Min(need, lot.QuantityRemaining)
		if take.Equal(lot.QuantityRemaining) {
			if err := models.SetLotStatus(o.tx, lot, models.LotStatusAvailable); err != nil {
				return nil, err
			}
			if err := o.movement(models.MovementKindUnquarantine, p.ItemId, p.LocationId, &lot.ID, nil, take, lot.UnitCost, ""); err != nil {
				return nil, err
			}
		} else {
			part, err := models.SplitLot(o.tx, lot, take, o.ids.NewID(), models.LotStatusAvailable)
			if err != nil {
				return nil, err
			}
			if err := o.movement(models.MovementKindUnquarantine, p.ItemId, p.LocationId, &part.ID, nil, take, part.UnitCost, ""); err != nil {
				return nil, err
			}
		}
		need = need.Sub(take)
	}

	if err := models.ApplyBalanceDelta(o.tx, bal, decimal.Zero, decimal.Zero, p.Quantity.Neg()); err != nil {
		return nil, err
	}
	if err := o.event(models.TopicQuarantineReleased, p.ItemId, p.LocationId, nil, nil, p.Quantity, bal.Version); err != nil {
		return nil, err
	}

	return &CommandResult{Command: CommandReleaseQuarantine, Balance: balanceSnapshot(bal)}, nil
}

func (o *op) applyMarkLotExpired(p MarkLotExpiredPayload) (*CommandResult, error) {
	lot, err := models.GetLotForUpdate(o.tx, p.LotId)
	if err != nil {
		return nil, err
	}
	if lot.Status == models.LotStatusExpired || lot.Status == models.LotStatusConsumed {
		return nil, models.NewValidationError("lot %s is already %s", lot.ID, lot.Status)
	}
	wasAvailable := lot.Status == models.LotStatusAvailable

	bal, err := models.LockBalanceForUpdate(o.tx, lot.ItemId, lot.LocationId)
	if err != nil {
		return nil, err
	}

	// Active allocations on the lot fail: quantity returns to the lot and
	// their reservations revert to pending with the allocation rolled back.
	released := decimal.Zero
	allocs, err := models.GetActiveAllocationsByLot(o.tx, lot.ID)
	if err != nil {
		return nil, err
	}
	for i := range allocs {
		alloc := &allocs[i]
		res, err := models.GetReservationForUpdate(o.tx, alloc.ReservationId)
		if err != nil {
			return nil, err
		}
		if err := models.ReturnLotQuantity(o.tx, lot, alloc.Quantity); err != nil {
			return nil, err
		}
		if err := models.SetAllocationState(o.tx, alloc, models.AllocationStateReleased); err != nil {
			return nil, err
		}
		if err := models.SetReservationAllocatedQty(o.tx, res, res.AllocatedQty.Sub(alloc.Quantity)); err != nil {
			return nil, err
		}
		if res.State == models.ReservationStateAllocated {
			if err := models.SetReservationState(o.tx, res, models.ReservationStatePending); err != nil {
				return nil, err
			}
		}
		if err := o.movement(models.MovementKindRelease, lot.ItemId, lot.LocationId, &lot.ID, &res.ID, alloc.Quantity, lot.UnitCost, "lot expired"); err != nil {
			return nil, err
		}
		if err := o.event(models.TopicReleased, lot.ItemId, lot.LocationId, &res.ID, &lot.ID, alloc.Quantity, bal.Version); err != nil {
			return nil, err
		}
		released = released.Add(alloc.Quantity)
	}

	remainder := lot.QuantityRemaining
	if err := models.SetLotStatus(o.tx, lot, models.LotStatusExpired); err != nil {
		return nil, err
	}

	// The expired remainder leaves the available pool but stays on hand; it
	// is blocked in the quarantined counter until written off by an adjust.
	// For an already quarantined lot only the returned allocations are newly
	// blocked, the rest of the remainder was counted at quarantine time.
	dQuarantined := released
	if wasAvailable {
		dQuarantined = remainder
	}
	if err := models.ApplyBalanceDelta(o.tx, bal, decimal.Zero, released.Neg(), dQuarantined); err != nil {
		return nil, err
	}
	if err := o.movement(models.MovementKindExpire, lot.ItemId, lot.LocationId, &lot.ID, nil, remainder.Neg(), lot.UnitCost, ""); err != nil {
		return nil, err
	}
	if err := o.event(models.TopicLotExpired, lot.ItemId, lot.LocationId, nil, &lot.ID, remainder, bal.Version); err != nil {
		return nil, err
	}

	return &CommandResult{
		Command: CommandMarkLotExpired,
		LotId:   lot.ID,
		State:   string(lot.Status),
		Balance: balanceSnapshot(bal),
	}, nil
}

func (o *op) applyAdjust(p AdjustPayload) (*CommandResult, error) {
	if p.Delta.IsZero() {
		return nil, models.NewValidationError("adjust delta must be non-zero")
	}
	bal, err := models.LockBalanceForUpdate(o.tx, p.ItemId, p.LocationId)
	if err != nil {
		return nil, err
	}
	if p.LotId != "" {
		if err := o.writeOffLot(bal, p.LotId, p.Delta, p.Reason); err != nil {
			return nil, err
		}
	} else if err := o.adjustLocked(bal, p.Delta, p.Reason); err != nil {
		return nil, err
	}
	if err := o.event(models.TopicAdjusted, p.ItemId, p.LocationId, nil, nil, p.Delta, bal.Version); err != nil {
		return nil, err
	}
	return &CommandResult{Command: CommandAdjust, Balance: balanceSnapshot(bal)}, nil
}

// adjustLocked applies a signed correction to an already-locked balance.
// Positive deltas land in a fresh adjustment lot; negative deltas consume lot
// remainders LIFO.
func (o *op) adjustLocked(bal *models.InventoryBalance, delta decimal.Decimal, reason string) error {
	if delta.IsPositive() {
		lot := &models.Lot{
			ID:                o.ids.NewID(),
			ItemId:            bal.ItemId,
			LocationId:        bal.LocationId,
			LotNumber:         "ADJ-" + o.ids.NewOrderedID(),
			ReceivedAt:        o.clock.Now(),
			Status:            models.LotStatusAvailable,
			QuantityRemaining: delta,
		}
		if err := o.tx.Create(lot).Error; err != nil {
			return err
		}
		if err := models.ApplyBalanceDelta(o.tx, bal, delta, decimal.Zero, decimal.Zero); err != nil {
			return err
		}
		return o.movement(models.MovementKindAdjust, bal.ItemId, bal.LocationId, &lot.ID, nil, delta, decimal.Zero, reason)
	}

	need := delta.Neg()
	floor := bal.Allocated.Add(bal.Quarantined)
	if bal.OnHand.Sub(need).LessThan(floor) {
		return models.NewInsufficientAvailableError(need, bal.Available())
	}

	lots, err := loadLotsByStatus(o.tx, bal.ItemId, bal.LocationId, models.LotStatusAvailable)
	if err != nil {
		return err
	}
	SortCandidates(lots, PolicyLIFO)

	remaining := need
	for i := range lots {
		if !remaining.IsPositive() {
			break
		}
		lot := &lots[i]
		take := decimal.Min(remaining, lot.QuantityRemaining)
		if err := models.ConsumeLotQuantity(o.tx, lot, take); err != nil {
			return err
		}
		if err := o.retireLotIfDrained(lot); err != nil {
			return err
		}
		if err := o.movement(models.MovementKindAdjust, bal.ItemId, bal.LocationId, &lot.ID, nil, take.Neg(), lot.UnitCost, reason); err != nil {
			return err
		}
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return models.NewConsistencyFaultError(models.ErrKindConsistencyFault,
			"adjust item=%s location=%s: %s uncovered by available lots", bal.ItemId, bal.LocationId, remaining.StringFixed(4))
	}

	return models.ApplyBalanceDelta(o.tx, bal, delta, decimal.Zero, decimal.Zero)
}

// writeOffLot removes a negative delta from one named lot. This is the only
// way stock leaves a quarantined or expired lot, so the quarantined counter
// shrinks with the lot remainder.
func (o *op) writeOffLot(bal *models.InventoryBalance, lotId string, delta decimal.Decimal, reason string) error {
	if delta.IsPositive() {
		return models.NewValidationError("lot-targeted adjust requires a negative delta")
	}
	lot, err := models.GetLotForUpdate(o.tx, lotId)
	if err != nil {
		return err
	}
	if lot.ItemId != bal.ItemId || lot.LocationId != bal.LocationId {
		return models.NewValidationError("lot %s does not belong to item %s at location %s", lotId, bal.ItemId, bal.LocationId)
	}

	need := delta.Neg()
	if need.GreaterThan(lot.QuantityRemaining) {
		return models.NewInsufficientAvailableError(need, lot.QuantityRemaining)
	}
	if err := models.ConsumeLotQuantity(o.tx, lot, need); err != nil {
		return err
	}
	if err := o.retireLotIfDrained(lot); err != nil {
		return err
	}

	dQuarantined := decimal.Zero
	if lot.Status == models.LotStatusQuarantined || lot.Status == models.LotStatusExpired {
		dQuarantined = need.Neg()
	}
	if err := models.ApplyBalanceDelta(o.tx, bal, delta, decimal.Zero, dQuarantined); err != nil {
		return err
	}
	return o.movement(models.MovementKindAdjust, bal.ItemId, bal.LocationId, &lot.ID, nil, delta, lot.UnitCost, reason)
}

func (o *op) applyCycleCount(p CycleCountPayload) (*CommandResult, error) {
	if len(p.Counts) == 0 {
		return nil, models.NewValidationError("cycle count requires at least one line")
	}

	results := make([]CycleCountLineResult, 0, len(p.Counts))
	for _, line := range p.Counts {
		lineResult := CycleCountLineResult{ItemId: line.ItemId}

		// Each line runs in its own savepoint: one bad count must not void
		// the rest of the batch.
		err := o.tx.Transaction(func(lineTx *gorm.DB) error {
			lo := *o
			lo.tx = lineTx

			if line.CountedQty.IsNegative() {
				return models.NewValidationError("counted quantity cannot be negative, got %s", line.CountedQty)
			}
			bal, err := models.LockBalanceForUpdate(lineTx, line.ItemId, p.LocationId)
			if err != nil {
				return err
			}
			delta := line.CountedQty.Sub(bal.OnHand)
			lineResult.Delta = delta
			if delta.IsZero() {
				return nil
			}
			if err := lo.adjustLocked(bal, delta, "cycle count"); err != nil {
				return err
			}
			return lo.event(models.TopicAdjusted, line.ItemId, p.LocationId, nil, nil, delta, bal.Version)
		})
		if err != nil {
			lineResult.Error = err.Error()
		}
		results = append(results, lineResult)
	}

	return &CommandResult{Command: CommandCycleCount, Lines: results}, nil
}

func (o *op) applyTransfer(p TransferPayload) (*CommandResult, error) {
	if !p.Quantity.IsPositive() {
		return nil, models.NewValidationError("transfer quantity must be positive, got %s", p.Quantity)
	}
	if p.FromLocationId == p.ToLocationId {
		return nil, models.NewValidationError("transfer source and destination are the same location")
	}

	// Lock both balance rows in a deterministic order so two opposing
	// transfers cannot deadlock.
	first, second := p.FromLocationId, p.ToLocationId
	if second < first {
		first, second = second, first
	}
	balByLoc := make(map[string]*models.InventoryBalance, 2)
	for _, loc := range []string{first, second} {
		b, err := models.LockBalanceForUpdate(o.tx, p.ItemId, loc)
		if err != nil {
			return nil, err
		}
		balByLoc[loc] = b
	}
	src := balByLoc[p.FromLocationId]
	dst := balByLoc[p.ToLocationId]

	if p.Quantity.GreaterThan(src.Available()) {
		return nil, models.NewInsufficientAvailableError(p.Quantity, src.Available())
	}

	lots, err := loadLotsByStatus(o.tx, p.ItemId, p.FromLocationId, models.LotStatusAvailable)
	if err != nil {
		return nil, err
	}
	SortCandidates(lots, PolicyLIFO)

	remaining := p.Quantity
	for i := range lots {
		if !remaining.IsPositive() {
			break
		}
		lot := &lots[i]
		take := decimal.Min(remaining, lot.QuantityRemaining)
		if err := models.ConsumeLotQuantity(o.tx, lot, take); err != nil {
			return nil, err
		}
		if err := o.retireLotIfDrained(lot); err != nil {
			return nil, err
		}
		mirrored := models.Lot{
			ID:                o.ids.NewID(),
			ItemId:            p.ItemId,
			LocationId:        p.ToLocationId,
			LotNumber:         lot.LotNumber,
			ReceivedAt:        lot.ReceivedAt,
			Expiration:        lot.Expiration,
			Status:            models.LotStatusAvailable,
			QuantityRemaining: take,
			UnitCost:          lot.UnitCost,
		}
		if err := o.tx.Create(&mirrored).Error; err != nil {
			return nil, err
		}
		if err := o.movement(models.MovementKindTransferOut, p.ItemId, p.FromLocationId, &lot.ID, nil, take.Neg(), lot.UnitCost, ""); err != nil {
			return nil, err
		}
		if err := o.movement(models.MovementKindTransferIn, p.ItemId, p.ToLocationId, &mirrored.ID, nil, take, lot.UnitCost, ""); err != nil {
			return nil, err
		}
		remaining = remaining.Sub(take)
	}
	if remaining.IsPositive() {
		return nil, models.NewConsistencyFaultError(models.ErrKindConsistencyFault,
			"transfer item=%s from=%s: %s uncovered by available lots", p.ItemId, p.FromLocationId, remaining.StringFixed(4))
	}

	if err := models.ApplyBalanceDelta(o.tx, src, p.Quantity.Neg(), decimal.Zero, decimal.Zero); err != nil {
		return nil, err
	}
	if err := models.ApplyBalanceDelta(o.tx, dst, p.Quantity, decimal.Zero, decimal.Zero); err != nil {
		return nil, err
	}
	if err := o.event(models.TopicTransferred, p.ItemId, p.FromLocationId, nil, nil, p.Quantity.Neg(), src.Version); err != nil {
		return nil, err
	}
	if err := o.event(models.TopicTransferred, p.ItemId, p.ToLocationId, nil, nil, p.Quantity, dst.Version); err != nil {
		return nil, err
	}

	return &CommandResult{Command: CommandTransfer, Balance: balanceSnapshot(dst)}, nil
}
