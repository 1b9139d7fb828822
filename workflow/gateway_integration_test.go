package workflow_test

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warelogic/stockcore_backend/config"
	"github.com/warelogic/stockcore_backend/models"
	"github.com/warelogic/stockcore_backend/utils"
	"github.com/warelogic/stockcore_backend/workflow"
)

func newTestGateway(t *testing.T) *workflow.Gateway {
	t.Helper()
	db := config.GetDB()
	if db == nil {
		t.Fatalf("db is nil after ConnectDatabaseWithRetry")
	}
	return &workflow.Gateway{
		DB:       db,
		Logger:   config.GetLogger(),
		Clock:    utils.SystemClock(),
		IDs:      utils.UUIDSource(),
		Settings: config.Settings(),
	}
}

func execCommand(t *testing.T, gw *workflow.Gateway, name string, payload any, idemKey string) *workflow.CommandResult {
	t.Helper()
	res, err := execCommandErr(gw, name, payload, idemKey)
	if err != nil {
		t.Fatalf("%s: %v", name, err)
	}
	return res
}

func execCommandErr(gw *workflow.Gateway, name string, payload any, idemKey string) (*workflow.CommandResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return gw.Execute(context.Background(), workflow.Command{
		CommandName:    name,
		Payload:        raw,
		IdempotencyKey: idemKey,
		Actor:          "test",
	})
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("decimal %q: %v", s, err)
	}
	return v
}

func fetchBalance(t *testing.T, itemId, locationId string) *models.InventoryBalance {
	t.Helper()
	b, err := models.GetBalance(config.GetDB(), itemId, locationId)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b
}

func TestGatewayLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "stockcore_test")

	config.ConnectDatabaseWithRetry()
	models.MigrateTable()

	gw := newTestGateway(t)

	t.Run("ReceiveReserveAllocateFulfill", func(t *testing.T) {
		item, loc := "item-lifecycle", "loc-main"

		r1 := execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc,
			Quantity:  dec(t, "10"),
			LotNumber: "LN-1",
			UnitCost:  dec(t, "2.50"),
		}, "")
		if r1.LotId == "" {
			t.Fatalf("receive returned no lot id")
		}
		if !r1.Balance.OnHand.Equal(dec(t, "10")) || !r1.Balance.Available.Equal(dec(t, "10")) {
			t.Fatalf("post-receive balance %+v", r1.Balance)
		}

		r2 := execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc,
			Quantity:  dec(t, "6"),
			OwnerRef:  "SO-100",
			OwnerKind: models.OwnerKindSalesOrder,
		}, "")
		if r2.ReservationId == "" || r2.State != "pending" {
			t.Fatalf("reserve result %+v", r2)
		}

		r3 := execCommand(t, gw, workflow.CommandAllocate, workflow.AllocatePayload{
			ReservationId: r2.ReservationId,
		}, "")
		if r3.State != "allocated" {
			t.Fatalf("allocate state = %s", r3.State)
		}
		if len(r3.Allocations) != 1 || !r3.Allocations[0].Quantity.Equal(dec(t, "6")) {
			t.Fatalf("allocations %+v", r3.Allocations)
		}
		if !r3.Balance.Allocated.Equal(dec(t, "6")) || !r3.Balance.Available.Equal(dec(t, "4")) {
			t.Fatalf("post-allocate balance %+v", r3.Balance)
		}

		r4 := execCommand(t, gw, workflow.CommandFulfill, workflow.FulfillPayload{
			ReservationId: r2.ReservationId,
			Lines:         []workflow.FulfillLine{{LotId: r3.Allocations[0].LotId, Quantity: dec(t, "6")}},
		}, "")
		if r4.State != "fulfilled" {
			t.Fatalf("fulfill state = %s", r4.State)
		}
		if !r4.Balance.OnHand.Equal(dec(t, "4")) || !r4.Balance.Allocated.IsZero() {
			t.Fatalf("post-fulfill balance %+v", r4.Balance)
		}

		// The journal carries one row per physical effect.
		var kinds []string
		if err := config.GetDB().Model(&models.Movement{}).
			Where("item_id = ? AND location_id = ?", item, loc).
			Order("id ASC").Pluck("kind", &kinds).Error; err != nil {
			t.Fatalf("pluck movements: %v", err)
		}
		want := []string{"receive", "reserve", "allocate", "fulfill"}
		if len(kinds) != len(want) {
			t.Fatalf("movement kinds = %v, want %v", kinds, want)
		}
		for i := range want {
			if kinds[i] != want[i] {
				t.Fatalf("movement kinds = %v, want %v", kinds, want)
			}
		}
	})

	t.Run("ReserveRejectsOversubscription", func(t *testing.T) {
		item, loc := "item-oversub", "loc-main"
		execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "5"), LotNumber: "LN-1",
		}, "")

		_, err := execCommandErr(gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "7"),
			OwnerRef: "SO-1", OwnerKind: models.OwnerKindSalesOrder,
		}, "")
		if !models.IsKind(err, models.ErrKindInsufficientAvailable) {
			t.Fatalf("expected INSUFFICIENT_AVAILABLE, got %v", err)
		}

		// Pending reservations count against admission before any lot moves.
		execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "3"),
			OwnerRef: "SO-2", OwnerKind: models.OwnerKindSalesOrder,
		}, "")
		_, err = execCommandErr(gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "3"),
			OwnerRef: "SO-3", OwnerKind: models.OwnerKindSalesOrder,
		}, "")
		if !models.IsKind(err, models.ErrKindInsufficientAvailable) {
			t.Fatalf("expected INSUFFICIENT_AVAILABLE for second reserve, got %v", err)
		}
	})

	t.Run("FEFOPicksEarliestExpiration", func(t *testing.T) {
		item, loc := "item-fefo", "loc-main"
		late := time.Now().UTC().Add(90 * 24 * time.Hour)
		early := time.Now().UTC().Add(30 * 24 * time.Hour)

		execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "5"), LotNumber: "LATE", Expiration: &late,
		}, "")
		rEarly := execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "5"), LotNumber: "EARLY", Expiration: &early,
		}, "")

		res := execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "4"),
			OwnerRef: "SO-FEFO", OwnerKind: models.OwnerKindSalesOrder,
		}, "")
		alloc := execCommand(t, gw, workflow.CommandAllocate, workflow.AllocatePayload{
			ReservationId: res.ReservationId, Policy: "FEFO",
		}, "")
		if len(alloc.Allocations) != 1 || alloc.Allocations[0].LotId != rEarly.LotId {
			t.Fatalf("FEFO should pick the earliest-expiring lot, got %+v", alloc.Allocations)
		}
	})

	t.Run("IdempotentReplay", func(t *testing.T) {
		item, loc := "item-idem", "loc-main"
		payload := workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "5"), LotNumber: "LN-1",
		}

		first := execCommand(t, gw, workflow.CommandReceive, payload, "idem-key-1")
		replay := execCommand(t, gw, workflow.CommandReceive, payload, "idem-key-1")

		if !replay.Replayed {
			t.Fatalf("second execution should be a replay")
		}
		if replay.LotId != first.LotId {
			t.Fatalf("replay lot id %s != %s", replay.LotId, first.LotId)
		}
		if b := fetchBalance(t, item, loc); !b.OnHand.Equal(dec(t, "5")) {
			t.Fatalf("replay must not double-apply: on_hand = %s", b.OnHand)
		}

		// Same key with a different payload is a conflict.
		other := payload
		other.Quantity = dec(t, "6")
		_, err := execCommandErr(gw, workflow.CommandReceive, other, "idem-key-1")
		if !models.IsKind(err, models.ErrKindIdempotencyConflict) {
			t.Fatalf("expected IDEMPOTENCY_CONFLICT, got %v", err)
		}
	})

	t.Run("CancelReleasesAllocation", func(t *testing.T) {
		item, loc := "item-cancel", "loc-main"
		execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "8"), LotNumber: "LN-1",
		}, "")
		res := execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "8"),
			OwnerRef: "CART-1", OwnerKind: models.OwnerKindCart,
		}, "")
		execCommand(t, gw, workflow.CommandAllocate, workflow.AllocatePayload{ReservationId: res.ReservationId}, "")

		cancel := execCommand(t, gw, workflow.CommandCancel, workflow.CancelPayload{
			ReservationId: res.ReservationId, Reason: "customer abandoned",
		}, "")
		if cancel.State != "cancelled" {
			t.Fatalf("cancel state = %s", cancel.State)
		}
		if !cancel.Balance.Available.Equal(dec(t, "8")) || !cancel.Balance.Allocated.IsZero() {
			t.Fatalf("post-cancel balance %+v", cancel.Balance)
		}

		// Cancelling again must fail: terminal states are immutable.
		_, err := execCommandErr(gw, workflow.CommandCancel, workflow.CancelPayload{
			ReservationId: res.ReservationId,
		}, "")
		if !models.IsKind(err, models.ErrKindValidation) {
			t.Fatalf("expected VALIDATION for double cancel, got %v", err)
		}
	})

	t.Run("CancelReturnsToQuarantinedLot", func(t *testing.T) {
		item, loc := "item-cancel-quar", "loc-main"
		recv := execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "10"), LotNumber: "LN-1",
		}, "")
		res := execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "4"),
			OwnerRef: "SO-CQ", OwnerKind: models.OwnerKindSalesOrder,
		}, "")
		execCommand(t, gw, workflow.CommandAllocate, workflow.AllocatePayload{ReservationId: res.ReservationId}, "")

		// Quarantine takes the lot's whole free remainder and flips its status
		// while the allocation is still active on it.
		execCommand(t, gw, workflow.CommandQuarantine, workflow.QuarantinePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "6"), Reason: "damage inspection",
		}, "")

		// The released quantity lands on a blocked lot, so it is quarantined,
		// not available.
		cancel := execCommand(t, gw, workflow.CommandCancel, workflow.CancelPayload{
			ReservationId: res.ReservationId, Reason: "inspection hold",
		}, "")
		b := cancel.Balance
		if !b.OnHand.Equal(dec(t, "10")) || !b.Allocated.IsZero() ||
			!b.Quarantined.Equal(dec(t, "10")) || !b.Available.IsZero() {
			t.Fatalf("post-cancel balance %+v", b)
		}
		var lot models.Lot
		if err := config.GetDB().Where("id = ?", recv.LotId).First(&lot).Error; err != nil {
			t.Fatalf("fetch lot: %v", err)
		}
		if lot.Status != models.LotStatusQuarantined || !lot.QuantityRemaining.Equal(dec(t, "10")) {
			t.Fatalf("lot after cancel: status=%s remaining=%s", lot.Status, lot.QuantityRemaining)
		}

		rel := execCommand(t, gw, workflow.CommandReleaseQuarantine, workflow.ReleaseQuarantinePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "10"),
		}, "")
		if !rel.Balance.Quarantined.IsZero() || !rel.Balance.Available.Equal(dec(t, "10")) {
			t.Fatalf("post-release balance %+v", rel.Balance)
		}
		findings, err := workflow.AuditBalances(context.Background(), config.GetDB(), config.GetLogger())
		if err != nil {
			t.Fatalf("AuditBalances: %v", err)
		}
		if len(findings) != 0 {
			t.Fatalf("audit findings after cancel round trip: %+v", findings)
		}
	})

	t.Run("FEFOSplitsAcrossLots", func(t *testing.T) {
		item, loc := "item-fefo-split", "loc-main"
		late := time.Now().UTC().Add(90 * 24 * time.Hour)
		early := time.Now().UTC().Add(30 * 24 * time.Hour)

		rLate := execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "10"), LotNumber: "LATE", Expiration: &late,
		}, "")
		rEarly := execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "10"), LotNumber: "EARLY", Expiration: &early,
		}, "")

		res := execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "12"),
			OwnerRef: "SO-SPLIT", OwnerKind: models.OwnerKindSalesOrder,
		}, "")
		alloc := execCommand(t, gw, workflow.CommandAllocate, workflow.AllocatePayload{
			ReservationId: res.ReservationId, Policy: "FEFO",
		}, "")

		// The earliest-expiring lot drains first, the remainder spills into the
		// next one.
		if len(alloc.Allocations) != 2 {
			t.Fatalf("allocations %+v", alloc.Allocations)
		}
		if alloc.Allocations[0].LotId != rEarly.LotId || !alloc.Allocations[0].Quantity.Equal(dec(t, "10")) {
			t.Fatalf("first allocation %+v, want 10 from the early lot", alloc.Allocations[0])
		}
		if alloc.Allocations[1].LotId != rLate.LotId || !alloc.Allocations[1].Quantity.Equal(dec(t, "2")) {
			t.Fatalf("second allocation %+v, want 2 from the late lot", alloc.Allocations[1])
		}
		if !alloc.Balance.Allocated.Equal(dec(t, "12")) || !alloc.Balance.Available.Equal(dec(t, "8")) {
			t.Fatalf("post-allocate balance %+v", alloc.Balance)
		}
	})

	t.Run("QuarantineRoundTrip", func(t *testing.T) {
		item, loc := "item-quar", "loc-main"
		execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "10"), LotNumber: "LN-1",
		}, "")

		q := execCommand(t, gw, workflow.CommandQuarantine, workflow.QuarantinePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "4"), Reason: "damage inspection",
		}, "")
		if !q.Balance.Quarantined.Equal(dec(t, "4")) || !q.Balance.Available.Equal(dec(t, "6")) {
			t.Fatalf("post-quarantine balance %+v", q.Balance)
		}
		// On hand is untouched by quarantine.
		if !q.Balance.OnHand.Equal(dec(t, "10")) {
			t.Fatalf("quarantine changed on_hand: %+v", q.Balance)
		}

		rel := execCommand(t, gw, workflow.CommandReleaseQuarantine, workflow.ReleaseQuarantinePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "4"),
		}, "")
		if !rel.Balance.Quarantined.IsZero() || !rel.Balance.Available.Equal(dec(t, "10")) {
			t.Fatalf("post-release balance %+v", rel.Balance)
		}
	})

	t.Run("MarkLotExpiredRevertsAllocation", func(t *testing.T) {
		item, loc := "item-expire", "loc-main"
		exp := time.Now().UTC().Add(24 * time.Hour)
		recv := execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "10"), LotNumber: "LN-1", Expiration: &exp,
		}, "")
		res := execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "6"),
			OwnerRef: "SO-EXP", OwnerKind: models.OwnerKindSalesOrder,
		}, "")
		execCommand(t, gw, workflow.CommandAllocate, workflow.AllocatePayload{ReservationId: res.ReservationId}, "")

		execCommand(t, gw, workflow.CommandMarkLotExpired, workflow.MarkLotExpiredPayload{LotId: recv.LotId}, "")

		// The reservation is back to pending with its allocation rolled back.
		var r models.Reservation
		if err := config.GetDB().Where("id = ?", res.ReservationId).First(&r).Error; err != nil {
			t.Fatalf("fetch reservation: %v", err)
		}
		if r.State != models.ReservationStatePending || !r.AllocatedQty.IsZero() {
			t.Fatalf("reservation after expiry: state=%s allocated=%s", r.State, r.AllocatedQty)
		}

		// The full lot remainder is blocked, nothing allocatable remains.
		b := fetchBalance(t, item, loc)
		if !b.OnHand.Equal(dec(t, "10")) || !b.Quarantined.Equal(dec(t, "10")) || !b.Allocated.IsZero() {
			t.Fatalf("balance after expiry: %+v", b)
		}
		_, err := execCommandErr(gw, workflow.CommandAllocate, workflow.AllocatePayload{ReservationId: res.ReservationId}, "")
		if !models.IsKind(err, models.ErrKindInsufficientAvailable) {
			t.Fatalf("expected INSUFFICIENT_AVAILABLE after lot expiry, got %v", err)
		}

		// A lot-targeted adjust writes the expired remainder off entirely.
		wo := execCommand(t, gw, workflow.CommandAdjust, workflow.AdjustPayload{
			ItemId: item, LocationId: loc, Delta: dec(t, "-10"), Reason: "expired write-off", LotId: recv.LotId,
		}, "")
		if !wo.Balance.OnHand.IsZero() || !wo.Balance.Quarantined.IsZero() {
			t.Fatalf("post-write-off balance %+v", wo.Balance)
		}
	})

	t.Run("TransferMovesLotsBetweenLocations", func(t *testing.T) {
		item, from, to := "item-transfer", "loc-a", "loc-b"
		execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: from, Quantity: dec(t, "10"), LotNumber: "LN-1", UnitCost: dec(t, "3"),
		}, "")

		execCommand(t, gw, workflow.CommandTransfer, workflow.TransferPayload{
			ItemId: item, FromLocationId: from, ToLocationId: to, Quantity: dec(t, "4"),
		}, "")

		src := fetchBalance(t, item, from)
		dst := fetchBalance(t, item, to)
		if !src.OnHand.Equal(dec(t, "6")) || !dst.OnHand.Equal(dec(t, "4")) {
			t.Fatalf("transfer balances: src=%s dst=%s", src.OnHand, dst.OnHand)
		}

		// The destination lot keeps provenance: lot number, cost, receipt date.
		var lot models.Lot
		if err := config.GetDB().Where("item_id = ? AND location_id = ?", item, to).First(&lot).Error; err != nil {
			t.Fatalf("fetch destination lot: %v", err)
		}
		if lot.LotNumber != "LN-1" || !lot.UnitCost.Equal(dec(t, "3")) {
			t.Fatalf("destination lot lost provenance: %+v", lot)
		}
	})

	t.Run("AdjustAndCycleCount", func(t *testing.T) {
		item, loc := "item-count", "loc-main"
		execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "10"), LotNumber: "LN-1",
		}, "")

		adj := execCommand(t, gw, workflow.CommandAdjust, workflow.AdjustPayload{
			ItemId: item, LocationId: loc, Delta: dec(t, "-3"), Reason: "breakage",
		}, "")
		if !adj.Balance.OnHand.Equal(dec(t, "7")) {
			t.Fatalf("post-adjust on_hand = %s", adj.Balance.OnHand)
		}

		cc := execCommand(t, gw, workflow.CommandCycleCount, workflow.CycleCountPayload{
			LocationId: loc,
			Counts: []workflow.CycleCountLine{
				{ItemId: item, CountedQty: dec(t, "9")},
				{ItemId: "item-count-missing", CountedQty: dec(t, "2")},
			},
		}, "")
		if len(cc.Lines) != 2 {
			t.Fatalf("cycle count lines = %d", len(cc.Lines))
		}
		if cc.Lines[0].Error != "" || !cc.Lines[0].Delta.Equal(dec(t, "2")) {
			t.Fatalf("line 0: %+v", cc.Lines[0])
		}
		// A previously unseen item gets its count booked as a positive find.
		if cc.Lines[1].Error != "" || !cc.Lines[1].Delta.Equal(dec(t, "2")) {
			t.Fatalf("line 1: %+v", cc.Lines[1])
		}
		if b := fetchBalance(t, item, loc); !b.OnHand.Equal(dec(t, "9")) {
			t.Fatalf("post-count on_hand = %s", b.OnHand)
		}
	})

	t.Run("ConcurrentReservesNeverOversubscribe", func(t *testing.T) {
		item, loc := "item-race", "loc-main"
		execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "10"), LotNumber: "LN-1",
		}, "")

		const workers = 8
		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = execCommandErr(gw, workflow.CommandReserve, workflow.ReservePayload{
					ItemId: item, LocationId: loc, Quantity: dec(t, "3"),
					OwnerRef: fmt.Sprintf("SO-R%d", i), OwnerKind: models.OwnerKindSalesOrder,
				}, "")
			}(i)
		}
		wg.Wait()

		granted := 0
		for _, err := range errs {
			if err == nil {
				granted++
				continue
			}
			if !models.IsKind(err, models.ErrKindInsufficientAvailable) && !models.IsKind(err, models.ErrKindConflict) {
				t.Fatalf("unexpected reserve error: %v", err)
			}
		}
		if granted > 3 {
			t.Fatalf("granted %d reservations of 3 units against 10 on hand", granted)
		}

		total, err := models.PendingReservedQty(config.GetDB(), item, loc)
		if err != nil {
			t.Fatalf("PendingReservedQty: %v", err)
		}
		if total.GreaterThan(dec(t, "10")) {
			t.Fatalf("pending reserved %s exceeds on hand", total)
		}
	})

	t.Run("OutboxRecordsWritten", func(t *testing.T) {
		item, loc := "item-outbox", "loc-main"
		execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "2"), LotNumber: "LN-1",
		}, "")

		var recs []models.OutboxRecord
		if err := config.GetDB().
			Where("topic = ?", models.TopicReceived).
			Order("id DESC").Limit(1).Find(&recs).Error; err != nil {
			t.Fatalf("fetch outbox: %v", err)
		}
		if len(recs) != 1 || recs[0].PublishStatus != models.OutboxPublishStatusPending {
			t.Fatalf("outbox record %+v", recs)
		}
		var ev models.EventPayload
		if err := json.Unmarshal([]byte(recs[0].Payload), &ev); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if ev.ItemId != item || ev.Version < 1 {
			t.Fatalf("event payload %+v", ev)
		}
	})

	t.Run("SweptLotExcludedFromAllocation", func(t *testing.T) {
		item, loc := "item-sweep-alloc", "loc-main"
		soon := time.Now().UTC().Add(300 * time.Millisecond)
		later := time.Now().UTC().Add(time.Hour)

		execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "5"), LotNumber: "SOON", Expiration: &soon,
		}, "")
		fresh := execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "5"), LotNumber: "LATER", Expiration: &later,
		}, "")

		// The sweep wins the race for the soonest-expiring lot before any
		// allocation can pick it.
		time.Sleep(500 * time.Millisecond)
		if n := workflow.NewSweeper(gw).SweepExpiredLots(context.Background()); n != 1 {
			t.Fatalf("swept %d lots, want 1", n)
		}

		res := execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "5"),
			OwnerRef: "SO-FRESH", OwnerKind: models.OwnerKindSalesOrder,
		}, "")
		alloc := execCommand(t, gw, workflow.CommandAllocate, workflow.AllocatePayload{
			ReservationId: res.ReservationId, Policy: "FEFO",
		}, "")
		if len(alloc.Allocations) != 1 || alloc.Allocations[0].LotId != fresh.LotId {
			t.Fatalf("allocation should land on the unexpired lot, got %+v", alloc.Allocations)
		}
		if !alloc.Balance.Quarantined.Equal(dec(t, "5")) || !alloc.Balance.Available.IsZero() {
			t.Fatalf("post-allocate balance %+v", alloc.Balance)
		}
	})

	t.Run("SweepersAdvanceOverdueState", func(t *testing.T) {
		item, loc := "item-sweep", "loc-main"
		lotExp := time.Now().UTC().Add(300 * time.Millisecond)
		recv := execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "5"), LotNumber: "LN-1", Expiration: &lotExp,
		}, "")
		keep := execCommand(t, gw, workflow.CommandReceive, workflow.ReceivePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "5"), LotNumber: "LN-2",
		}, "")
		resExp := time.Now().UTC().Add(300 * time.Millisecond)
		res := execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "2"),
			OwnerRef: "SO-SWEEP", OwnerKind: models.OwnerKindSalesOrder, ExpiresAt: &resExp,
		}, "")
		held := execCommand(t, gw, workflow.CommandReserve, workflow.ReservePayload{
			ItemId: item, LocationId: loc, Quantity: dec(t, "2"),
			OwnerRef: "SO-HELD", OwnerKind: models.OwnerKindSalesOrder, ExpiresAt: &resExp,
		}, "")
		execCommand(t, gw, workflow.CommandAllocate, workflow.AllocatePayload{
			ReservationId: held.ReservationId, Policy: "EXPLICIT", LotIds: []string{keep.LotId},
		}, "")

		time.Sleep(500 * time.Millisecond)
		sweeper := workflow.NewSweeper(gw)
		if n := sweeper.SweepExpiredLots(context.Background()); n != 1 {
			t.Fatalf("swept %d lots, want 1", n)
		}
		if n := sweeper.SweepExpiredReservations(context.Background()); n != 1 {
			t.Fatalf("swept %d reservations, want 1", n)
		}

		var lot models.Lot
		if err := config.GetDB().Where("id = ?", recv.LotId).First(&lot).Error; err != nil {
			t.Fatalf("fetch lot: %v", err)
		}
		if lot.Status != models.LotStatusExpired {
			t.Fatalf("lot status = %s, want expired", lot.Status)
		}
		var r models.Reservation
		if err := config.GetDB().Where("id = ?", res.ReservationId).First(&r).Error; err != nil {
			t.Fatalf("fetch reservation: %v", err)
		}
		if r.State != models.ReservationStateExpired {
			t.Fatalf("reservation state = %s, want expired", r.State)
		}

		// A committed allocation is never unwound by the sweep.
		var h models.Reservation
		if err := config.GetDB().Where("id = ?", held.ReservationId).First(&h).Error; err != nil {
			t.Fatalf("fetch held reservation: %v", err)
		}
		if h.State != models.ReservationStateAllocated {
			t.Fatalf("allocated reservation state = %s after sweep, want allocated", h.State)
		}
	})

	t.Run("RandomizedCommandsKeepInvariants", func(t *testing.T) {
		item := "item-fuzz"
		locs := []string{"loc-fuzz-a", "loc-fuzz-b"}
		seed := time.Now().UnixNano()
		rng := rand.New(rand.NewSource(seed))
		t.Logf("command sequence seed %d", seed)

		qty := func(n int) decimal.Decimal { return decimal.NewFromInt(int64(rng.Intn(n) + 1)) }
		loc := func() string { return locs[rng.Intn(len(locs))] }
		pick := func(ids []string) string {
			if len(ids) == 0 {
				return ""
			}
			return ids[rng.Intn(len(ids))]
		}

		var reservations, lots []string
		for i := 0; i < 200; i++ {
			var err error
			switch rng.Intn(10) {
			case 0, 1, 2:
				p := workflow.ReceivePayload{
					ItemId: item, LocationId: loc(), Quantity: qty(20),
					LotNumber: fmt.Sprintf("FZ-%d", rng.Intn(6)),
				}
				if rng.Intn(3) == 0 {
					exp := time.Now().UTC().Add(time.Duration(rng.Intn(48)+1) * time.Hour)
					p.Expiration = &exp
				}
				var res *workflow.CommandResult
				res, err = execCommandErr(gw, workflow.CommandReceive, p, "")
				if err == nil {
					lots = append(lots, res.LotId)
				}
			case 3:
				var res *workflow.CommandResult
				res, err = execCommandErr(gw, workflow.CommandReserve, workflow.ReservePayload{
					ItemId: item, LocationId: loc(), Quantity: qty(10),
					OwnerRef: fmt.Sprintf("FZ-%d", i), OwnerKind: models.OwnerKindSalesOrder,
				}, "")
				if err == nil {
					reservations = append(reservations, res.ReservationId)
				}
			case 4:
				id := pick(reservations)
				if id == "" {
					continue
				}
				var res *workflow.CommandResult
				res, err = execCommandErr(gw, workflow.CommandAllocate, workflow.AllocatePayload{ReservationId: id}, "")
				if err == nil && rng.Intn(2) == 0 {
					lines := make([]workflow.FulfillLine, 0, len(res.Allocations))
					for _, a := range res.Allocations {
						lines = append(lines, workflow.FulfillLine{LotId: a.LotId, Quantity: a.Quantity})
					}
					if len(lines) > 0 {
						_, err = execCommandErr(gw, workflow.CommandFulfill, workflow.FulfillPayload{
							ReservationId: id, Lines: lines,
						}, "")
					}
				}
			case 5:
				id := pick(reservations)
				if id == "" {
					continue
				}
				_, err = execCommandErr(gw, workflow.CommandCancel, workflow.CancelPayload{
					ReservationId: id, Reason: "sequence test",
				}, "")
			case 6:
				_, err = execCommandErr(gw, workflow.CommandQuarantine, workflow.QuarantinePayload{
					ItemId: item, LocationId: loc(), Quantity: qty(6), Reason: "sequence test",
				}, "")
			case 7:
				_, err = execCommandErr(gw, workflow.CommandReleaseQuarantine, workflow.ReleaseQuarantinePayload{
					ItemId: item, LocationId: loc(), Quantity: qty(6),
				}, "")
			case 8:
				id := pick(lots)
				if id == "" {
					continue
				}
				_, err = execCommandErr(gw, workflow.CommandMarkLotExpired, workflow.MarkLotExpiredPayload{LotId: id}, "")
			case 9:
				_, err = execCommandErr(gw, workflow.CommandTransfer, workflow.TransferPayload{
					ItemId: item, FromLocationId: locs[0], ToLocationId: locs[1], Quantity: qty(5),
				}, "")
			}
			if err != nil {
				if models.IsConsistencyFault(err) {
					t.Fatalf("step %d (seed %d): consistency fault: %v", i, seed, err)
				}
				if models.KindOf(err) == "" {
					t.Fatalf("step %d (seed %d): non-domain error: %v", i, seed, err)
				}
			}
		}

		var balances []models.InventoryBalance
		if err := config.GetDB().Where("item_id = ?", item).Find(&balances).Error; err != nil {
			t.Fatalf("fetch balances: %v", err)
		}
		if len(balances) == 0 {
			t.Fatalf("sequence produced no balances")
		}
		for _, b := range balances {
			if b.OnHand.IsNegative() || b.Allocated.IsNegative() || b.Quarantined.IsNegative() || b.Available().IsNegative() {
				t.Fatalf("negative counter after sequence (seed %d): %+v", seed, b)
			}
		}
		findings, err := workflow.AuditBalances(context.Background(), config.GetDB(), config.GetLogger())
		if err != nil {
			t.Fatalf("AuditBalances: %v", err)
		}
		if len(findings) != 0 {
			t.Fatalf("audit findings after sequence (seed %d): %+v", seed, findings)
		}
	})

	t.Run("AuditIsClean", func(t *testing.T) {
		findings, err := workflow.AuditBalances(context.Background(), config.GetDB(), config.GetLogger())
		if err != nil {
			t.Fatalf("AuditBalances: %v", err)
		}
		if len(findings) != 0 {
			t.Fatalf("audit findings: %+v", findings)
		}
	})
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("stockcore-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=stockcore_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
