package colormap

import (
	"image/color"
	"math"
	"testing"
)

func TestViridisEndpoints(t *testing.T) {
	t.Parallel()

	c0, ok := Viridis.At(0).(color.RGBA)
	if !ok {
		t.Fatalf("expected color.RGBA at t=0")
	}
	if c0 != (color.RGBA{R: 68, G: 1, B: 84, A: 255}) {
		t.Fatalf("unexpected Viridis.At(0): %#v", c0)
	}

	c1 := Viridis.At(1).(color.RGBA)
	if c1 != (color.RGBA{R: 253, G: 231, B: 37, A: 255}) {
		t.Fatalf("unexpected Viridis.At(1): %#v", c1)
	}

	if Viridis.At(math.NaN()) != Viridis.At(0) {
		t.Fatalf("NaN should map to the low end")
	}
	if Viridis.At(7) != Viridis.At(1) {
		t.Fatalf("values above 1 should clamp")
	}
}

func TestLinearInterpolates(t *testing.T) {
	t.Parallel()

	// halfway between the first two Cylon stops
	mid := Cylon.At(0.1).(color.RGBA)
	if mid.R != 56 || mid.G != 0 || mid.B != 0 {
		t.Fatalf("unexpected midpoint %#v", mid)
	}
}

func TestLookup(t *testing.T) {
	t.Parallel()

	for _, name := range Names() {
		if _, ok := Lookup(name); !ok {
			t.Fatalf("registered name %q not found", name)
		}
	}
	for _, name := range []string{"jet", "plasma", "inferno", "magma"} {
		if _, ok := Lookup(name); ok {
			t.Fatalf("unexpected colormap %s", name)
		}
	}
	if Categorical.AtIndex(10) != Categorical.AtIndex(0) {
		t.Fatal("categorical index should wrap")
	}
}

func TestNames(t *testing.T) {
	t.Parallel()

	want := []string{"categorical", "cylon", "viridis"}
	got := Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", got, want)
		}
	}
}
