package workflow

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/warelogic/stockcore_backend/models"
)

func TestCommandHashStable(t *testing.T) {
	payload := json.RawMessage(`{"item_id":"i1","location_id":"l1","quantity":"5"}`)
	first := commandHash("receive", payload)
	for i := 0; i < 5; i++ {
		if got := commandHash("receive", payload); got != first {
			t.Fatalf("hash changed between calls: %s vs %s", got, first)
		}
	}
	if len(first) != 64 {
		t.Fatalf("hash length = %d, want 64 hex chars", len(first))
	}
}

func TestCommandHashDiscriminates(t *testing.T) {
	payload := json.RawMessage(`{"item_id":"i1"}`)
	if commandHash("receive", payload) == commandHash("adjust", payload) {
		t.Fatal("different command names must not collide")
	}
	other := json.RawMessage(`{"item_id":"i2"}`)
	if commandHash("receive", payload) == commandHash("receive", other) {
		t.Fatal("different payloads must not collide")
	}
}

func TestDecodePayloadRejectsUnknownFields(t *testing.T) {
	raw := json.RawMessage(`{"item_id":"i1","location_id":"l1","quantity":"5","qty":"5"}`)
	_, err := decodePayload[ReceivePayload](raw)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !models.IsKind(err, models.ErrKindValidation) {
		t.Fatalf("error kind = %s, want VALIDATION", models.KindOf(err))
	}
	if !strings.Contains(err.Error(), "qty") {
		t.Fatalf("error should name the offending field: %v", err)
	}
}

func TestDecodePayloadRequiresFields(t *testing.T) {
	raw := json.RawMessage(`{"item_id":"i1"}`)
	if _, err := decodePayload[ReceivePayload](raw); err == nil {
		t.Fatal("expected error for missing required fields")
	}
}

func TestDecodePayloadRejectsTrailingData(t *testing.T) {
	raw := json.RawMessage(`{"lot_id":"a"}{"lot_id":"b"}`)
	if _, err := decodePayload[MarkLotExpiredPayload](raw); err == nil {
		t.Fatal("expected error for trailing data")
	}
}

func TestDecodeUnknownCommand(t *testing.T) {
	g := &Gateway{}
	_, err := g.decode(Command{CommandName: "restock", Payload: json.RawMessage(`{}`)})
	if err == nil {
		t.Fatal("expected error for unknown command")
	}
	if !models.IsKind(err, models.ErrKindValidation) {
		t.Fatalf("error kind = %s, want VALIDATION", models.KindOf(err))
	}
}

// The wire names are the public command surface; renaming one breaks every
// caller, so they are pinned here.
func TestCommandWireNames(t *testing.T) {
	want := map[string]string{
		CommandReceive:           "receive",
		CommandReserve:           "reserve",
		CommandAllocate:          "allocate",
		CommandFulfill:           "fulfill",
		CommandCancel:            "cancel",
		CommandQuarantine:        "quarantine",
		CommandReleaseQuarantine: "release_quarantine",
		CommandMarkLotExpired:    "mark_lot_expired",
		CommandAdjust:            "adjust",
		CommandCycleCount:        "cycle_count",
		CommandTransfer:          "transfer",
		CommandExpireReservation: "expire_reservation",
	}
	for got, expected := range want {
		if got != expected {
			t.Errorf("command name %q, want %q", got, expected)
		}
	}
}

func TestDecodeCancelCommand(t *testing.T) {
	g := &Gateway{}
	raw := json.RawMessage(`{"reservation_id":"r-1","reason":"customer request"}`)
	if _, err := g.decode(Command{CommandName: "cancel", Payload: raw}); err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	if _, err := g.decode(Command{CommandName: "expire_reservation", Payload: json.RawMessage(`{"reservation_id":"r-1"}`)}); err != nil {
		t.Fatalf("decode expire_reservation: %v", err)
	}
}

func TestRetryBackoffBounds(t *testing.T) {
	base := 25 * time.Millisecond
	for attempt := 0; attempt < 5; attempt++ {
		expected := base << uint(attempt)
		lo := expected - expected/4
		hi := expected + expected/4
		for i := 0; i < 50; i++ {
			d := retryBackoff(base, attempt)
			if d < lo || d > hi {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", attempt, d, lo, hi)
			}
		}
	}
}

func TestRetryBackoffZeroBase(t *testing.T) {
	if d := retryBackoff(0, 0); d <= 0 {
		t.Fatalf("backoff with zero base = %v, want positive", d)
	}
}
