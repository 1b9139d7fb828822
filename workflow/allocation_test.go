package workflow

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warelogic/stockcore_backend/models"
)

func mkLot(id string, received time.Time, expiration *time.Time, qty int64) models.Lot {
	return models.Lot{
		ID:                id,
		ItemId:            "item-1",
		LocationId:        "loc-1",
		LotNumber:         "LN-" + id,
		ReceivedAt:        received,
		Expiration:        expiration,
		Status:            models.LotStatusAvailable,
		QuantityRemaining: decimal.NewFromInt(qty),
	}
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func tsp(s string) *time.Time {
	t := ts(s)
	return &t
}

func lotOrder(lots []models.Lot) []string {
	out := make([]string, len(lots))
	for i := range lots {
		out[i] = lots[i].ID
	}
	return out
}

func assertOrder(t *testing.T, got []models.Lot, want ...string) {
	t.Helper()
	ids := lotOrder(got)
	if len(ids) != len(want) {
		t.Fatalf("got %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("got %v, want %v", ids, want)
		}
	}
}

func TestSortCandidatesFEFO(t *testing.T) {
	lots := []models.Lot{
		mkLot("c", ts("2026-01-01T00:00:00Z"), nil, 10),
		mkLot("a", ts("2026-01-02T00:00:00Z"), tsp("2026-06-01T00:00:00Z"), 10),
		mkLot("b", ts("2026-01-03T00:00:00Z"), tsp("2026-03-01T00:00:00Z"), 10),
	}
	SortCandidates(lots, PolicyFEFO)
	// Soonest expiration first, lots without expiration last.
	assertOrder(t, lots, "b", "a", "c")
}

func TestSortCandidatesFEFOTieBreaks(t *testing.T) {
	exp := tsp("2026-03-01T00:00:00Z")
	lots := []models.Lot{
		mkLot("b", ts("2026-01-02T00:00:00Z"), exp, 10),
		mkLot("c", ts("2026-01-01T00:00:00Z"), exp, 10),
		mkLot("a", ts("2026-01-01T00:00:00Z"), exp, 10),
	}
	SortCandidates(lots, PolicyFEFO)
	// Equal expiration falls back to received_at, then lot id.
	assertOrder(t, lots, "a", "c", "b")
}

func TestSortCandidatesFIFO(t *testing.T) {
	lots := []models.Lot{
		mkLot("b", ts("2026-01-03T00:00:00Z"), nil, 10),
		mkLot("a", ts("2026-01-01T00:00:00Z"), tsp("2026-02-01T00:00:00Z"), 10),
		mkLot("c", ts("2026-01-02T00:00:00Z"), nil, 10),
	}
	SortCandidates(lots, PolicyFIFO)
	// Expiration is ignored; oldest receipt wins.
	assertOrder(t, lots, "a", "c", "b")
}

func TestSortCandidatesLIFO(t *testing.T) {
	lots := []models.Lot{
		mkLot("a", ts("2026-01-01T00:00:00Z"), nil, 10),
		mkLot("c", ts("2026-01-02T00:00:00Z"), nil, 10),
		mkLot("b", ts("2026-01-03T00:00:00Z"), nil, 10),
	}
	SortCandidates(lots, PolicyLIFO)
	assertOrder(t, lots, "b", "c", "a")
}

func TestSortCandidatesLIFOTieBreaksById(t *testing.T) {
	at := ts("2026-01-01T00:00:00Z")
	lots := []models.Lot{
		mkLot("b", at, nil, 10),
		mkLot("a", at, nil, 10),
	}
	SortCandidates(lots, PolicyLIFO)
	assertOrder(t, lots, "a", "b")
}

func TestSortCandidatesDeterministic(t *testing.T) {
	build := func() []models.Lot {
		return []models.Lot{
			mkLot("d", ts("2026-01-04T00:00:00Z"), tsp("2026-05-01T00:00:00Z"), 5),
			mkLot("a", ts("2026-01-01T00:00:00Z"), nil, 5),
			mkLot("c", ts("2026-01-03T00:00:00Z"), tsp("2026-05-01T00:00:00Z"), 5),
			mkLot("b", ts("2026-01-02T00:00:00Z"), tsp("2026-04-01T00:00:00Z"), 5),
		}
	}
	for _, policy := range []AllocationPolicy{PolicyFEFO, PolicyFIFO, PolicyLIFO} {
		first := build()
		SortCandidates(first, policy)
		for i := 0; i < 10; i++ {
			again := build()
			SortCandidates(again, policy)
			assertOrder(t, again, lotOrder(first)...)
		}
	}
}

func TestPlanAllocationSpansLots(t *testing.T) {
	lots := []models.Lot{
		mkLot("a", ts("2026-01-01T00:00:00Z"), nil, 3),
		mkLot("b", ts("2026-01-02T00:00:00Z"), nil, 4),
		mkLot("c", ts("2026-01-03T00:00:00Z"), nil, 10),
	}
	plan, unmet := PlanAllocation(lots, decimal.NewFromInt(9))
	if !unmet.IsZero() {
		t.Fatalf("unmet = %s, want 0", unmet)
	}
	if len(plan) != 3 {
		t.Fatalf("plan has %d lines, want 3", len(plan))
	}
	wantQty := []int64{3, 4, 2}
	for i, line := range plan {
		if line.Index != i {
			t.Fatalf("line %d index = %d", i, line.Index)
		}
		if !line.Quantity.Equal(decimal.NewFromInt(wantQty[i])) {
			t.Fatalf("line %d qty = %s, want %d", i, line.Quantity, wantQty[i])
		}
	}
}

func TestPlanAllocationShortfall(t *testing.T) {
	lots := []models.Lot{
		mkLot("a", ts("2026-01-01T00:00:00Z"), nil, 3),
	}
	plan, unmet := PlanAllocation(lots, decimal.NewFromInt(5))
	if !unmet.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("unmet = %s, want 2", unmet)
	}
	if len(plan) != 1 || !plan[0].Quantity.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestPlanAllocationSkipsEmptyLots(t *testing.T) {
	lots := []models.Lot{
		mkLot("a", ts("2026-01-01T00:00:00Z"), nil, 0),
		mkLot("b", ts("2026-01-02T00:00:00Z"), nil, 5),
	}
	plan, unmet := PlanAllocation(lots, decimal.NewFromInt(5))
	if !unmet.IsZero() {
		t.Fatalf("unmet = %s, want 0", unmet)
	}
	if len(plan) != 1 || plan[0].Index != 1 {
		t.Fatalf("unexpected plan %+v", plan)
	}
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in      string
		want    AllocationPolicy
		wantErr bool
	}{
		{"", PolicyFEFO, false},
		{"FEFO", PolicyFEFO, false},
		{"fifo", PolicyFIFO, false},
		{" Lifo ", PolicyLIFO, false},
		{"EXPLICIT", PolicyExplicit, false},
		{"NEWEST", "", true},
	}
	for _, tc := range cases {
		got, err := ParsePolicy(tc.in, PolicyFEFO)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParsePolicy(%q) expected error", tc.in)
			}
			if !models.IsKind(err, models.ErrKindValidation) {
				t.Fatalf("ParsePolicy(%q) error kind = %s", tc.in, models.KindOf(err))
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParsePolicy(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParsePolicy(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
