package priceutils

import "testing"

func TestAlignDownUp(t *testing.T) {
	cases := []struct {
		price, tick  float64
		wantDown, up float64
	}{
		{0.4531, 0.001, 0.453, 0.454},
		{0.45, 0.001, 0.45, 0.45},
		{0.126, 0.01, 0.12, 0.13},
	}
	for _, c := range cases {
		if got := AlignDown(c.price, c.tick); got != c.wantDown {
			t.Errorf("AlignDown(%v, %v) = %v, want %v", c.price, c.tick, got, c.wantDown)
		}
		if got := AlignUp(c.price, c.tick); got != c.up {
			t.Errorf("AlignUp(%v, %v) = %v, want %v", c.price, c.tick, got, c.up)
		}
	}
}

func TestTotalCostS1(t *testing.T) {
	// Scenario S1 from the spec: askP=0.45, askH=0.54, r=200bps.
	fee := Fee(0.45, 200)
	if diff := fee - 0.009; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("fee = %v, want 0.009", fee)
	}
	cost := TotalCost(0.45, 0.54, 200)
	if diff := cost - 0.999; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("totalCost = %v, want 0.999", cost)
	}
	if cost > 1.000 {
		t.Fatalf("expected cost %.3f <= maxCost 1.000", cost)
	}
}

func TestMaxHedgeAsk(t *testing.T) {
	maxAskH, ok := MaxHedgeAsk(0.45, 1.000, 200)
	if !ok {
		t.Fatal("expected ok")
	}
	want := 1.000 - 0.45 - 0.009
	if diff := maxAskH - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("maxAskH = %v, want %v", maxAskH, want)
	}

	if _, ok := MaxHedgeAsk(0.99, 0.5, 200); ok {
		t.Fatal("expected not ok when maxAskH <= 0")
	}
}

func TestIsValidPrice(t *testing.T) {
	if !IsValidPrice(0.01) || !IsValidPrice(0.99) {
		t.Fatal("boundary prices should be valid")
	}
	if IsValidPrice(0.0) || IsValidPrice(1.0) {
		t.Fatal("out-of-range prices should be invalid")
	}
}

func TestFloorQty(t *testing.T) {
	if FloorQty(9.99) != 9 {
		t.Fatal("expected floor to truncate")
	}
}
