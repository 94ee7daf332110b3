package events

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestReserveDepositEvent(t *testing.T) {
	evt := ReserveDeposit{
		Reserve:        " usdc ",
		Amount:         uint256.NewInt(5000),
		Minted:         uint256.NewInt(4990),
		LiquidityIndex: uint256.NewInt(7),
		Timestamp:      1_700_000_000,
	}.Event()
	if evt == nil {
		t.Fatalf("expected event")
	}
	if evt.Type != TypeReserveDeposit {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["reserve"] != "usdc" {
		t.Fatalf("unexpected reserve attr: %s", evt.Attributes["reserve"])
	}
	if evt.Attributes["amount"] != "5000" || evt.Attributes["minted"] != "4990" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if evt.Attributes["timestamp"] != "1700000000" || evt.Attributes["liquidityIndex"] != "7" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
}

func TestReserveUsageUpdatedOmitsZeroDeltas(t *testing.T) {
	evt := ReserveUsageUpdated{
		Reserve:    "dai",
		Increased:  uint256.NewInt(10),
		Decreased:  new(uint256.Int),
		TotalUsage: uint256.NewInt(110),
	}.Event()
	if _, ok := evt.Attributes["decreased"]; ok {
		t.Fatalf("zero decrease should be omitted: %+v", evt.Attributes)
	}
	if evt.Attributes["increased"] != "10" || evt.Attributes["totalUsage"] != "110" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
	if evt.Attributes["scaled"] != "0" {
		t.Fatalf("nil amounts should render as zero: %+v", evt.Attributes)
	}
}

func TestPrimeRateUpdatedEvent(t *testing.T) {
	evt := PrimeRateUpdated{Reserve: "crvusd", OldRate: uint256.NewInt(100), NewRate: uint256.NewInt(105)}.Event()
	if evt.Type != TypePrimeRateUpdated {
		t.Fatalf("unexpected type: %s", evt.Type)
	}
	if evt.Attributes["oldRate"] != "100" || evt.Attributes["newRate"] != "105" {
		t.Fatalf("unexpected attrs: %+v", evt.Attributes)
	}
}

func TestFanoutSkipsNilAndPreservesOrder(t *testing.T) {
	first := &Recorder{}
	second := &Recorder{}
	fan := Fanout{first, nil, second}
	fan.Emit(PrimeRateUpdated{Reserve: "a"})
	fan.Emit(ReserveRatesUpdated{Reserve: "a"})

	for _, rec := range []*Recorder{first, second} {
		if len(rec.Events) != 2 {
			t.Fatalf("expected 2 events, got %d", len(rec.Events))
		}
		if rec.Events[0].EventType() != TypePrimeRateUpdated || rec.Events[1].EventType() != TypeReserveRatesUpdated {
			t.Fatalf("unexpected order: %v", rec.Events)
		}
	}
}
