// Package geo converts positional tags into signed decimal coordinates and
// human readable location strings.
package geo

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// Hemisphere references accepted by Angle.
const (
	North = "N"
	South = "S"
	East  = "E"
	West  = "W"
)

// Tag names consumed from the extraction service.
const (
	TagLatitude     = "GPSLatitude"
	TagLatitudeRef  = "GPSLatitudeRef"
	TagLongitude    = "GPSLongitude"
	TagLongitudeRef = "GPSLongitudeRef"

	TagCity        = "City"
	TagSubLocation = "Sub-location"
	TagState       = "State"
	TagProvince    = "Province-State"
	TagCountry     = "Country"
	TagCountryName = "Country-PrimaryLocationName"
)

// Angle is a degrees/minutes/seconds triple with a hemisphere reference.
// Components are kept raw so numeric strings and rationals can be coerced late.
type Angle struct {
	Degrees any
	Minutes any
	Seconds any
	Ref     string
}

// TagLookup is satisfied by anything that can answer a tag by name.
type TagLookup interface {
	Tag(name string) (any, bool)
}

// Tags is a map backed TagLookup.
type Tags map[string]any

// Tag implements TagLookup.
func (t Tags) Tag(name string) (any, bool) {
	v, ok := t[name]
	return v, ok
}

// ToDecimalDegrees returns the signed decimal value of a. ok is false when any
// component is not a finite number; callers omit the field in that case.
func ToDecimalDegrees(a Angle) (float64, bool) {
	deg, ok := toFloat(a.Degrees)
	if !ok {
		return 0, false
	}
	mins, ok := toFloat(a.Minutes)
	if !ok {
		return 0, false
	}
	secs, ok := toFloat(a.Seconds)
	if !ok {
		return 0, false
	}

	dd := deg + mins/60 + secs/3600
	switch strings.ToUpper(strings.TrimSpace(a.Ref)) {
	case South, West:
		dd = -dd
	}
	return dd, true
}

// FormatCoordinate renders the signed value dd with six decimals followed by
// the degree sign and ref, e.g. "37.774900°N" or "-122.419400°W".
func FormatCoordinate(dd float64, ref string) string {
	return fmt.Sprintf("%.6f°%s", dd, ref)
}

// AngleFromValue splits a tag value into an Angle. Arrays of at least three
// components and comma or whitespace separated strings are accepted; extra
// components are ignored.
func AngleFromValue(v any, ref string) (Angle, bool) {
	parts, ok := triple(v)
	if !ok {
		return Angle{}, false
	}
	return Angle{Degrees: parts[0], Minutes: parts[1], Seconds: parts[2], Ref: ref}, true
}

// BuildLocationString combines the GPS position and the city/state/country
// composite found in tags. An empty result is valid.
func BuildLocationString(tags TagLookup) string {
	var sections []string

	if gps := gpsString(tags); gps != "" {
		sections = append(sections, gps)
	}

	var region []string
	for _, names := range [][2]string{
		{TagCity, TagSubLocation},
		{TagState, TagProvince},
		{TagCountry, TagCountryName},
	} {
		if v := firstString(tags, names[0], names[1]); v != "" {
			region = append(region, v)
		}
	}
	if len(region) > 0 {
		sections = append(sections, strings.Join(region, ", "))
	}

	return strings.Join(sections, " | ")
}

func gpsString(tags TagLookup) string {
	lat, lng, ok := Position(tags)
	if !ok {
		return ""
	}
	latRef := refOrDefault(tags, TagLatitudeRef, North)
	lngRef := refOrDefault(tags, TagLongitudeRef, East)
	return FormatCoordinate(lat, latRef) + ", " + FormatCoordinate(lng, lngRef)
}

// Position returns the signed decimal latitude and longitude carried by tags.
// Missing refs default to N and E.
func Position(tags TagLookup) (lat, lng float64, ok bool) {
	latRef := refOrDefault(tags, TagLatitudeRef, North)
	lngRef := refOrDefault(tags, TagLongitudeRef, East)

	latRaw, ok := tags.Tag(TagLatitude)
	if !ok {
		return 0, 0, false
	}
	lngRaw, ok := tags.Tag(TagLongitude)
	if !ok {
		return 0, 0, false
	}
	latAngle, ok := AngleFromValue(latRaw, latRef)
	if !ok {
		return 0, 0, false
	}
	lngAngle, ok := AngleFromValue(lngRaw, lngRef)
	if !ok {
		return 0, 0, false
	}
	if lat, ok = ToDecimalDegrees(latAngle); !ok {
		return 0, 0, false
	}
	if lng, ok = ToDecimalDegrees(lngAngle); !ok {
		return 0, 0, false
	}
	return lat, lng, true
}

func refOrDefault(tags TagLookup, name, def string) string {
	if v := firstString(tags, name); v != "" {
		return strings.ToUpper(v[:1])
	}
	return def
}

func firstString(tags TagLookup, names ...string) string {
	for _, name := range names {
		v, ok := tags.Tag(name)
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case []string:
			s = strings.Join(t, " ")
		case fmt.Stringer:
			s = t.String()
		default:
			s = fmt.Sprint(t)
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

func triple(v any) ([3]any, bool) {
	var out [3]any
	switch t := v.(type) {
	case [3]any:
		return t, true
	case []any:
		if len(t) < 3 {
			return out, false
		}
		copy(out[:], t[:3])
	case []float64:
		if len(t) < 3 {
			return out, false
		}
		for i, f := range t[:3] {
			out[i] = f
		}
	case []string:
		if len(t) < 3 {
			return out, false
		}
		for i, s := range t[:3] {
			out[i] = s
		}
	case []*big.Rat:
		if len(t) < 3 {
			return out, false
		}
		for i, r := range t[:3] {
			out[i] = r
		}
	case string:
		fields := strings.FieldsFunc(t, func(r rune) bool {
			return r == ',' || r == ';' || r == ' '
		})
		if len(fields) < 3 {
			return out, false
		}
		for i, s := range fields[:3] {
			out[i] = s
		}
	default:
		return out, false
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case float32:
		f = float64(t)
	case int:
		f = float64(t)
	case int32:
		f = float64(t)
	case int64:
		f = float64(t)
	case uint32:
		f = float64(t)
	case uint64:
		f = float64(t)
	case *big.Rat:
		if t == nil {
			return 0, false
		}
		f, _ = t.Float64()
	case json.Number:
		var err error
		if f, err = t.Float64(); err != nil {
			return 0, false
		}
	case string:
		var ok bool
		if f, ok = parseNumeric(t); !ok {
			return 0, false
		}
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// parseNumeric accepts plain decimals and "num/den" rationals.
func parseNumeric(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if num, den, found := strings.Cut(s, "/"); found {
		n, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil {
			return 0, false
		}
		d, err := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err != nil || d == 0 {
			return 0, false
		}
		return n / d, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
