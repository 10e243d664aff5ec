package voxel

import "testing"

func TestRGBAPackUnpack(t *testing.T) {
	v := Voxel{Color: RGBA(1, 2, 3, 4), Material: 9}
	r, g, b, a := v.RGBA()
	if r != 1 || g != 2 || b != 3 || a != 4 {
		t.Fatalf("unpack: got %d,%d,%d,%d", r, g, b, a)
	}
	if v.Color != 0x04030201 {
		t.Fatalf("pack: got %#x", v.Color)
	}
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#ff0000")
	if err != nil {
		t.Fatalf("ParseColor: %v", err)
	}
	if c != RGBA(0xff, 0, 0, 0xff) {
		t.Fatalf("got %#x", c)
	}
	c, err = ParseColor("#11223344")
	if err != nil {
		t.Fatalf("ParseColor: %v", err)
	}
	if c != RGBA(0x11, 0x22, 0x33, 0x44) {
		t.Fatalf("got %#x", c)
	}
	if _, err := ParseColor("#123"); err == nil {
		t.Fatalf("expected error for short color")
	}
	if _, err := ParseColor("#zzzzzz"); err == nil {
		t.Fatalf("expected error for non-hex color")
	}
}

func TestVoxelEqualityIsStructural(t *testing.T) {
	a := Voxel{Color: 7, Material: 1}
	b := Voxel{Color: 7, Material: 1}
	if a != b {
		t.Fatalf("equal values must compare equal")
	}
	if a == (Voxel{Color: 7, Material: 2}) {
		t.Fatalf("material must participate in equality")
	}
}

func TestDefaultPalette(t *testing.T) {
	p := DefaultPalette()
	if len(p) != 4 {
		t.Fatalf("palette len=%d want 4", len(p))
	}
	seen := map[Voxel]bool{}
	for _, e := range p {
		if e.Voxel.Material != 0 {
			t.Fatalf("%s: material=%d want 0", e.Name, e.Voxel.Material)
		}
		if seen[e.Voxel] {
			t.Fatalf("%s: duplicate voxel value", e.Name)
		}
		seen[e.Voxel] = true
	}
	if v, ok := p.Lookup("grass"); !ok || v != Grass {
		t.Fatalf("lookup grass: %v %v", v, ok)
	}
	if _, ok := p.Lookup("lava"); ok {
		t.Fatalf("unexpected lava")
	}
}
