package snet

import "testing"

func TestTimeLessAntisymmetric(t *testing.T) {
	pairs := [][2]uint32{
		{0, 1},
		{1000, 2000},
		{0xFFFFFF00, 0x00000100}, // across the 32-bit wrap
		{86000000, 86500000},
	}

	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		if !timeLess(a, b) {
			t.Errorf("timeLess(%#x, %#x) = false, want true", a, b)
		}
		if timeLess(b, a) {
			t.Errorf("timeLess(%#x, %#x) = true, want false", b, a)
		}
		if timeLess(a, a) {
			t.Errorf("timeLess(%#x, %#x) = true, want false", a, a)
		}
	}
}

func TestTimeDifferenceSymmetric(t *testing.T) {
	pairs := [][2]uint32{
		{0, 0},
		{5, 1000},
		{0xFFFFFF00, 0x00000100},
		{123456, 123456},
	}

	for _, pair := range pairs {
		a, b := pair[0], pair[1]
		if timeDifference(a, b) != timeDifference(b, a) {
			t.Errorf("timeDifference(%#x, %#x) = %d, reversed %d",
				a, b, timeDifference(a, b), timeDifference(b, a))
		}
	}

	if d := timeDifference(0x00000100, 0xFFFFFF00); d != 0x200 {
		t.Errorf("wrapped difference = %#x, want 0x200", d)
	}
}

func TestTimeGreaterEqual(t *testing.T) {
	if !timeGreaterEqual(100, 100) {
		t.Error("timeGreaterEqual(100, 100) = false")
	}
	if !timeGreaterEqual(200, 100) {
		t.Error("timeGreaterEqual(200, 100) = false")
	}
	if timeGreaterEqual(100, 200) {
		t.Error("timeGreaterEqual(100, 200) = true")
	}
}
