// Package metadata models the editable annotation record and extracts it
// from embedded image tags.
package metadata

import "strings"

// Field names one semantic slot of a Record.
type Field string

const (
	FieldCamera    Field = "camera"
	FieldLens      Field = "lens"
	FieldLocation  Field = "location"
	FieldISO       Field = "iso"
	FieldAperture  Field = "aperture"
	FieldShutter   Field = "shutter"
	FieldCopyright Field = "copyright"
	FieldNotes     Field = "notes"
)

// Order is the canonical display order. Notes are rendered separately.
var Order = []Field{
	FieldCamera,
	FieldLens,
	FieldLocation,
	FieldISO,
	FieldAperture,
	FieldShutter,
	FieldCopyright,
}

// AllFields is Order followed by the notes field.
func AllFields() []Field {
	return append(append([]Field(nil), Order...), FieldNotes)
}

// Record holds the values shown in the overlay.
type Record struct {
	Camera    string `json:"camera"`
	Lens      string `json:"lens"`
	Location  string `json:"location"`
	ISO       string `json:"iso"`
	Aperture  string `json:"aperture"`
	Shutter   string `json:"shutter"`
	Copyright string `json:"copyright"`
	Notes     string `json:"notes"`
}

// Get returns the value stored for f.
func (r Record) Get(f Field) string {
	switch f {
	case FieldCamera:
		return r.Camera
	case FieldLens:
		return r.Lens
	case FieldLocation:
		return r.Location
	case FieldISO:
		return r.ISO
	case FieldAperture:
		return r.Aperture
	case FieldShutter:
		return r.Shutter
	case FieldCopyright:
		return r.Copyright
	case FieldNotes:
		return r.Notes
	}
	return ""
}

// Set stores v under f. Unknown fields are ignored.
func (r *Record) Set(f Field, v string) {
	switch f {
	case FieldCamera:
		r.Camera = v
	case FieldLens:
		r.Lens = v
	case FieldLocation:
		r.Location = v
	case FieldISO:
		r.ISO = v
	case FieldAperture:
		r.Aperture = v
	case FieldShutter:
		r.Shutter = v
	case FieldCopyright:
		r.Copyright = v
	case FieldNotes:
		r.Notes = v
	}
}

// Merge returns r with every non-blank value of over applied on top.
func (r Record) Merge(over Record) Record {
	out := r
	for _, f := range AllFields() {
		if v := over.Get(f); strings.TrimSpace(v) != "" {
			out.Set(f, v)
		}
	}
	return out
}

// IsEmpty reports whether every field and the notes are blank.
func (r Record) IsEmpty() bool {
	for _, f := range AllFields() {
		if strings.TrimSpace(r.Get(f)) != "" {
			return false
		}
	}
	return true
}

// ParseField maps a user supplied name onto a Field.
func ParseField(name string) (Field, bool) {
	f := Field(strings.ToLower(strings.TrimSpace(name)))
	if f == FieldNotes {
		return f, true
	}
	for _, known := range Order {
		if f == known {
			return f, true
		}
	}
	return "", false
}

// Sample is the record shown before any image has been loaded. Location,
// notes and copyright come from the label language.
func Sample(labels Labels) Record {
	return Record{
		Camera:    "Canon EOS R5",
		Lens:      "EF 24-70mm f/2.8L II USM",
		Location:  labels.DefaultLocation,
		ISO:       "100",
		Aperture:  "f/8",
		Shutter:   "1/125s",
		Copyright: labels.DefaultCopyright,
		Notes:     labels.DefaultNotes,
	}
}

// Row is one labelled entry of a Record, as listed in reports.
type Row struct {
	Field Field
	Label string
	Value string
}

// Rows lists the non-blank fields of r in canonical order, followed by the
// notes when present.
func Rows(r Record, labels Labels) []Row {
	var rows []Row
	for _, f := range Order {
		v := strings.TrimSpace(r.Get(f))
		if v == "" {
			continue
		}
		rows = append(rows, Row{Field: f, Label: labels.Field(f), Value: v})
	}
	if notes := strings.TrimSpace(r.Notes); notes != "" {
		rows = append(rows, Row{Field: FieldNotes, Label: labels.Field(FieldNotes), Value: notes})
	}
	return rows
}
