package mathx

import "testing"

func TestFloorDivMod(t *testing.T) {
	cases := []struct{ a, b, q, m int }{
		{0, 64, 0, 0},
		{63, 64, 0, 63},
		{64, 64, 1, 0},
		{-1, 64, -1, 63},
		{-64, 64, -1, 0},
		{-65, 64, -2, 63},
	}
	for _, c := range cases {
		if got := FloorDiv(c.a, c.b); got != c.q {
			t.Fatalf("FloorDiv(%d,%d)=%d want %d", c.a, c.b, got, c.q)
		}
		if got := Mod(c.a, c.b); got != c.m {
			t.Fatalf("Mod(%d,%d)=%d want %d", c.a, c.b, got, c.m)
		}
		if FloorDiv(c.a, c.b)*c.b+Mod(c.a, c.b) != c.a {
			t.Fatalf("q*b+m != a for %d,%d", c.a, c.b)
		}
	}
}

func TestPow2(t *testing.T) {
	for _, n := range []int{1, 2, 64, 1024} {
		if !IsPow2(n) {
			t.Fatalf("%d should be a power of two", n)
		}
	}
	for _, n := range []int{0, -4, 3, 96} {
		if IsPow2(n) {
			t.Fatalf("%d should not be a power of two", n)
		}
	}
	if Log2(1) != 0 || Log2(64) != 6 || Log2(1024) != 10 {
		t.Fatalf("Log2 wrong")
	}
}

func TestHashDeterministic(t *testing.T) {
	if Hash3(1, 2, 3, 4) != Hash3(1, 2, 3, 4) {
		t.Fatalf("Hash3 not deterministic")
	}
	if Hash3(1, 2, 3, 4) == Hash3(1, 4, 3, 2) {
		t.Fatalf("Hash3 should depend on axis order")
	}
	if Hash2(7, -1, 5) == Hash2(8, -1, 5) {
		t.Fatalf("Hash2 should depend on seed")
	}
}
