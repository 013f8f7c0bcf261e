// Package colormap maps scalar values onto colors.
package colormap

import (
	"image/color"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// Linear interpolates between evenly spaced color stops.
type Linear struct {
	stops []color.RGBA
}

// At returns the color at position t, clamped to [0, 1].
func (c Linear) At(t float64) color.Color {
	if t <= 0 {
		return c.stops[0]
	}
	if t >= 1 {
		return c.stops[len(c.stops)-1]
	}

	pos := t * float64(len(c.stops)-1)
	lo := int(pos)
	hi := min(lo+1, len(c.stops)-1)
	return lerp(c.stops[lo], c.stops[hi], pos-float64(lo))
}

func lerp(a, b color.RGBA, t float64) color.RGBA {
	mix := func(x, y uint8) uint8 {
		return uint8(float64(x) + t*(float64(y)-float64(x)))
	}
	return color.RGBA{R: mix(a.R, b.R), G: mix(a.G, b.G), B: mix(a.B, b.B), A: 255}
}

// Viridis is matplotlib's viridis.
var Viridis = Linear{stops: []color.RGBA{
	{68, 1, 84, 255},
	{59, 82, 139, 255},
	{33, 145, 140, 255},
	{94, 201, 98, 255},
	{253, 231, 37, 255},
}}

// Magma is matplotlib's magma.
var Magma = Linear{stops: []color.RGBA{
	{0, 0, 4, 255},
	{81, 18, 124, 255},
	{183, 55, 121, 255},
	{252, 137, 97, 255},
	{252, 253, 191, 255},
}}

// Confidence runs from green (certain) to red (uncertain).
var Confidence = Linear{stops: []color.RGBA{
	{26, 152, 80, 255},
	{254, 224, 139, 255},
	{215, 48, 39, 255},
}}

// ByName looks up a colormap, case-insensitively.
func ByName(name string) (Colormap, bool) {
	switch strings.ToLower(name) {
	case "viridis":
		return Viridis, true
	case "magma":
		return Magma, true
	case "confidence":
		return Confidence, true
	}
	return nil, false
}
