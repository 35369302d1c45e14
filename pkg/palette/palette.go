// Package palette provides category color schemes for overlay rendering.
package palette

import (
	"image/color"
	"strconv"
	"strings"
)

// Palette assigns colors to dataset categories.
type Palette struct {
	byName   map[string]color.RGBA
	fallback []color.RGBA
}

// Default is the palette used when no per-category overrides are
// configured. Known service categories get fixed colors so a category
// keeps its color across sessions; anything else cycles the fallback set.
var Default = Palette{
	byName: map[string]color.RGBA{
		"fiber":     {44, 160, 44, 255},
		"dsl":       {31, 119, 180, 255},
		"cable":     {255, 127, 14, 255},
		"mobile":    {148, 103, 189, 255},
		"satellite": {214, 39, 40, 255},
		"unknown":   {127, 127, 127, 255},
	},
	fallback: []color.RGBA{
		{140, 86, 75, 255},
		{227, 119, 194, 255},
		{188, 189, 34, 255},
		{23, 190, 207, 255},
		{174, 199, 232, 255},
		{255, 187, 120, 255},
		{152, 223, 138, 255},
		{255, 152, 150, 255},
	},
}

// For returns the color for a category. Unnamed categories get a stable
// fallback color derived from the category string.
func (p Palette) For(category string) color.RGBA {
	if c, ok := p.byName[strings.ToLower(category)]; ok {
		return c
	}
	h := uint32(2166136261)
	for i := 0; i < len(category); i++ {
		h ^= uint32(category[i])
		h *= 16777619
	}
	return p.fallback[int(h%uint32(len(p.fallback)))]
}

// WithOverrides returns a copy of p with the given per-category colors
// replacing or extending the named set. Category keys are matched
// case-insensitively, like For.
func (p Palette) WithOverrides(colors map[string]color.RGBA) Palette {
	if len(colors) == 0 {
		return p
	}
	byName := make(map[string]color.RGBA, len(p.byName)+len(colors))
	for k, v := range p.byName {
		byName[k] = v
	}
	for k, v := range colors {
		byName[strings.ToLower(k)] = v
	}
	return Palette{byName: byName, fallback: p.fallback}
}

// WithAlpha returns c with its alpha channel replaced.
func WithAlpha(c color.RGBA, a uint8) color.RGBA {
	c.A = a
	return c
}

// ParseHex parses "#rrggbb" or "rrggbb" into an opaque RGBA color.
func ParseHex(s string) (color.RGBA, bool) {
	s = strings.TrimPrefix(s, "#")
	if len(s) != 6 {
		return color.RGBA{}, false
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.RGBA{}, false
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, true
}
