package palette

import (
	"image/color"
	"testing"
)

func TestFor(t *testing.T) {
	t.Run("knownCategory", func(t *testing.T) {
		c := Default.For("fiber")
		if c.G != 160 {
			t.Fatalf("unexpected fiber color: %+v", c)
		}
		if Default.For("Fiber") != c {
			t.Fatalf("category lookup should be case-insensitive")
		}
	})

	t.Run("unknownCategoryIsStable", func(t *testing.T) {
		a := Default.For("wimax")
		b := Default.For("wimax")
		if a != b {
			t.Fatalf("fallback color not stable: %+v vs %+v", a, b)
		}
	})
}

func TestWithOverrides(t *testing.T) {
	red := color.RGBA{R: 255, A: 255}
	p := Default.WithOverrides(map[string]color.RGBA{"Fiber": red, "wimax": red})

	if p.For("fiber") != red {
		t.Fatalf("override not applied: %+v", p.For("fiber"))
	}
	if p.For("WIMAX") != red {
		t.Fatalf("override should name previously unnamed categories: %+v", p.For("WIMAX"))
	}
	if p.For("dsl") != Default.For("dsl") {
		t.Fatalf("untouched categories must keep their default color")
	}
	if Default.For("fiber") == red {
		t.Fatalf("overrides must not mutate the source palette")
	}
}

func TestParseHex(t *testing.T) {
	c, ok := ParseHex("#1f77b4")
	if !ok {
		t.Fatalf("expected parse to succeed")
	}
	if c.R != 0x1f || c.G != 0x77 || c.B != 0xb4 || c.A != 255 {
		t.Fatalf("unexpected color: %+v", c)
	}

	if _, ok := ParseHex("xyz"); ok {
		t.Fatalf("expected parse to fail")
	}
	if _, ok := ParseHex("#12345"); ok {
		t.Fatalf("expected parse to fail on short input")
	}
}
