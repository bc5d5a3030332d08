package money

import "testing"

func TestRound2(t *testing.T) {
	cases := map[float64]float64{
		1.005:  1.01,
		2.675:  2.68,
		-1.005: -1.01,
		89.999: 90,
		85:     85,
	}
	for in, want := range cases {
		if got := Round2(in); got != want {
			t.Errorf("Round2(%v) = %v, want %v", in, got, want)
		}
	}
}

func TestCeil2(t *testing.T) {
	if got := Ceil2(80.004); got != 80.01 {
		t.Errorf("Ceil2(80.004) = %v, want 80.01", got)
	}
	if got := Ceil2(70.01); got != 70.01 {
		t.Errorf("Ceil2(70.01) = %v, want 70.01", got)
	}
}

func TestScale(t *testing.T) {
	if got := Scale(100, 0.9); got != 90 {
		t.Errorf("Scale(100, 0.9) = %v, want 90", got)
	}
	if got := Scale(19.99, 0.95); got != 18.99 {
		t.Errorf("Scale(19.99, 0.95) = %v, want 18.99", got)
	}
}

func TestMidpoint(t *testing.T) {
	if got := Midpoint(70, 100); got != 85 {
		t.Errorf("Midpoint(70, 100) = %v, want 85", got)
	}
}
