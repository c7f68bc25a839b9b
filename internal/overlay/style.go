package overlay

import (
	"math"
	"strings"
)

// Anchor names where the text block is placed on the frame.
type Anchor string

const (
	TopLeft     Anchor = "top-left"
	TopRight    Anchor = "top-right"
	BottomLeft  Anchor = "bottom-left"
	BottomRight Anchor = "bottom-right"
	Center      Anchor = "center"
)

// Anchors lists the recognised anchors.
var Anchors = []Anchor{TopLeft, TopRight, BottomLeft, BottomRight, Center}

// Valid reports whether a is one of the recognised anchors. Unrecognised
// anchors still render, at the top-left.
func (a Anchor) Valid() bool {
	for _, known := range Anchors {
		if a == known {
			return true
		}
	}
	return false
}

// DisplayMode selects between "label: value" lines and bare values.
type DisplayMode string

const (
	ModeFull   DisplayMode = "full"
	ModeValues DisplayMode = "values"
)

// Blur and size bounds applied by Normalize.
const (
	MaxBlur            = 10.0
	MinFontSizePercent = 0.5
	MaxFontSizePercent = 25.0
)

// Style is an immutable snapshot of the overlay controls.
type Style struct {
	FontFamily      string      `json:"font_family"`
	FontWeight      string      `json:"font_weight"`
	FontSizePercent float64     `json:"font_size_percent"`
	Anchor          Anchor      `json:"anchor"`
	Mode            DisplayMode `json:"mode"`
	Blur            float64     `json:"blur"`
}

// DefaultStyle is used when no style has been configured.
func DefaultStyle() Style {
	return Style{
		FontFamily:      "sans-serif",
		FontWeight:      "normal",
		FontSizePercent: 2.5,
		Anchor:          BottomLeft,
		Mode:            ModeFull,
		Blur:            0,
	}
}

// Normalize clamps numeric controls into range and fills blank strings from
// DefaultStyle. The anchor is left untouched.
func (s Style) Normalize() Style {
	def := DefaultStyle()
	if strings.TrimSpace(s.FontFamily) == "" {
		s.FontFamily = def.FontFamily
	}
	if strings.TrimSpace(s.FontWeight) == "" {
		s.FontWeight = def.FontWeight
	}
	if s.Mode == "" {
		s.Mode = def.Mode
	}
	if math.IsNaN(s.FontSizePercent) || s.FontSizePercent <= 0 {
		s.FontSizePercent = def.FontSizePercent
	}
	s.FontSizePercent = clamp(s.FontSizePercent, MinFontSizePercent, MaxFontSizePercent)
	if math.IsNaN(s.Blur) {
		s.Blur = 0
	}
	s.Blur = clamp(s.Blur, 0, MaxBlur)
	return s
}

// StyleOverride carries the style controls a caller set explicitly. A nil
// field keeps the base value; a non-nil zero replaces it.
type StyleOverride struct {
	FontFamily      *string      `json:"font_family,omitempty"`
	FontWeight      *string      `json:"font_weight,omitempty"`
	FontSizePercent *float64     `json:"font_size_percent,omitempty"`
	Anchor          *Anchor      `json:"anchor,omitempty"`
	Mode            *DisplayMode `json:"mode,omitempty"`
	Blur            *float64     `json:"blur,omitempty"`
}

// IsZero reports whether o sets nothing.
func (o StyleOverride) IsZero() bool {
	return o == StyleOverride{}
}

// Apply returns s with every field set in o replaced.
func (s Style) Apply(o StyleOverride) Style {
	if o.FontFamily != nil {
		s.FontFamily = *o.FontFamily
	}
	if o.FontWeight != nil {
		s.FontWeight = *o.FontWeight
	}
	if o.FontSizePercent != nil {
		s.FontSizePercent = *o.FontSizePercent
	}
	if o.Anchor != nil {
		s.Anchor = *o.Anchor
	}
	if o.Mode != nil {
		s.Mode = *o.Mode
	}
	if o.Blur != nil {
		s.Blur = *o.Blur
	}
	return s
}

// Override returns an override setting every field of s.
func (s Style) Override() StyleOverride {
	return StyleOverride{
		FontFamily:      &s.FontFamily,
		FontWeight:      &s.FontWeight,
		FontSizePercent: &s.FontSizePercent,
		Anchor:          &s.Anchor,
		Mode:            &s.Mode,
		Blur:            &s.Blur,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
