package metadata

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromTags(t *testing.T) {
	tags := Tags{
		"Model":           "ILCE-7M4",
		"LensType":        "FE 35mm F1.4 GM",
		"ISOSpeedRatings": 400.0,
		"FNumber":         2.8,
		"ExposureTime":    0.008,
		"CopyrightNotice": "(c) Jane Doe",
		"GPSLatitude":     []float64{37, 46, 29.64},
		"GPSLongitude":    []float64{122, 25, 9.84},
		"GPSLongitudeRef": "W",
		"City":            "San Francisco",
	}

	r := FromTags(tags)
	assert.Equal(t, "ILCE-7M4", r.Camera)
	assert.Equal(t, "FE 35mm F1.4 GM", r.Lens)
	assert.Equal(t, "400", r.ISO)
	assert.Equal(t, "f/2.8", r.Aperture)
	assert.Equal(t, "1/125s", r.Shutter)
	assert.Equal(t, "(c) Jane Doe", r.Copyright)
	assert.Equal(t, "37.774900°N, -122.419400°W | San Francisco", r.Location)
	assert.Empty(t, r.Notes)
}

func TestFromTagsPrefersPrimaryNames(t *testing.T) {
	r := FromTags(Tags{
		"Model":           "EOS R5",
		"CameraModelName": "ignored",
		"LensModel":       "RF 50mm",
		"LensInfo":        "ignored",
		"ISO":             "800",
	})
	assert.Equal(t, "EOS R5", r.Camera)
	assert.Equal(t, "RF 50mm", r.Lens)
	assert.Equal(t, "800", r.ISO)
	assert.Empty(t, r.Aperture)
	assert.Empty(t, r.Shutter)
}

func TestFormatExposureTime(t *testing.T) {
	cases := map[float64]string{
		2:       "2s",
		1:       "1s",
		2.5:     "2.5s",
		0.5:     "1/2s",
		0.008:   "1/125s",
		1.0 / 3: "1/3s",
		0:       "",
		-1:      "",
	}
	for in, want := range cases {
		assert.Equal(t, want, FormatExposureTime(in), "exposure %v", in)
	}
}

func TestRecordMergeAndEmpty(t *testing.T) {
	base := Record{Camera: "A", Lens: "B"}
	merged := base.Merge(Record{Lens: "C", Notes: "hello", ISO: "  "})
	assert.Equal(t, Record{Camera: "A", Lens: "C", Notes: "hello"}, merged)

	assert.True(t, Record{Camera: " ", Notes: "\n"}.IsEmpty())
	assert.False(t, Sample(LabelsFor(LangEnglish)).IsEmpty())
}

func TestSampleUsesLanguageDefaults(t *testing.T) {
	for _, lang := range Languages() {
		labels := LabelsFor(lang)
		rec := Sample(labels)
		assert.Equal(t, "Canon EOS R5", rec.Camera)
		assert.Equal(t, "1/125s", rec.Shutter)
		assert.NotEmpty(t, rec.Location, lang)
		assert.Equal(t, labels.DefaultLocation, rec.Location)
		assert.Equal(t, labels.DefaultNotes, rec.Notes)
		assert.Equal(t, labels.DefaultCopyright, rec.Copyright)
	}
	assert.NotEqual(t, Sample(LabelsFor(LangEnglish)).Notes, Sample(LabelsFor(LangChinese)).Notes)
}

func TestParseField(t *testing.T) {
	f, ok := ParseField(" Camera ")
	require.True(t, ok)
	assert.Equal(t, FieldCamera, f)

	f, ok = ParseField("notes")
	require.True(t, ok)
	assert.Equal(t, FieldNotes, f)

	_, ok = ParseField("exposure")
	assert.False(t, ok)
}

func TestRowsOrderAndLabels(t *testing.T) {
	r := Record{Copyright: "me", Camera: "cam", Notes: "  a note \n", ISO: ""}
	rows := Rows(r, LabelsFor(LangEnglish))
	require.Len(t, rows, 3)
	assert.Equal(t, Row{Field: FieldCamera, Label: "Camera", Value: "cam"}, rows[0])
	assert.Equal(t, Row{Field: FieldCopyright, Label: "Copyright", Value: "me"}, rows[1])
	assert.Equal(t, Row{Field: FieldNotes, Label: "Notes", Value: "a note"}, rows[2])
}

func TestLabelsFor(t *testing.T) {
	assert.Equal(t, "相机", LabelsFor("zh-CN").Field(FieldCamera))
	assert.Equal(t, "相机", LabelsFor("zh").Field(FieldCamera))
	assert.Equal(t, "Camera", LabelsFor("EN").Field(FieldCamera))
	assert.Equal(t, "Camera", LabelsFor("fr-FR").Field(FieldCamera))
	assert.Equal(t, "Lens", LabelsFor("").Field(FieldLens))
}

func TestExtractIPTC(t *testing.T) {
	data := withAPP13(t, tinyJPEG(t), map[byte]string{
		90:  "Kyoto",
		95:  "Kyoto Prefecture",
		101: "Japan",
		116: "(c) Someone",
	})

	tags, err := NewExtractor(nil).Extract(data)
	require.NoError(t, err)
	assert.Equal(t, "Kyoto", tags["City"])
	assert.Equal(t, "Japan", tags["Country-PrimaryLocationName"])

	r := FromTags(tags)
	assert.Equal(t, "Kyoto, Kyoto Prefecture, Japan", r.Location)
	assert.Equal(t, "(c) Someone", r.Copyright)
}

func TestExtractWithoutTags(t *testing.T) {
	_, err := NewExtractor(nil).Extract(tinyJPEG(t))
	assert.ErrorIs(t, err, ErrNoTags)
}

type stubSource struct {
	tags Tags
	err  error
	hits int
}

func (s *stubSource) Lookup(string) (Tags, error) {
	s.hits++
	return s.tags, s.err
}

func TestExtractFileFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.jpg")
	require.NoError(t, os.WriteFile(path, tinyJPEG(t), 0o644))

	src := &stubSource{tags: Tags{"Model": "X100V"}}
	tags, err := NewExtractor(src).ExtractFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, src.hits)
	assert.Equal(t, "X100V", FromTags(tags).Camera)

	failing := &stubSource{err: ErrNotInLibrary}
	_, err = NewExtractor(failing).ExtractFile(path)
	assert.ErrorIs(t, err, ErrExtractorUnavailable)
}

func TestDarktableSourceLookup(t *testing.T) {
	dir := t.TempDir()
	libPath := filepath.Join(dir, "library.db")

	db, err := sql.Open("sqlite3", libPath)
	require.NoError(t, err)
	for _, stmt := range []string{
		`CREATE TABLE film_rolls (id INTEGER PRIMARY KEY, folder TEXT)`,
		`CREATE TABLE makers (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE models (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE lens (id INTEGER PRIMARY KEY, name TEXT)`,
		`CREATE TABLE images (id INTEGER PRIMARY KEY, film_id INTEGER, filename TEXT,
			maker_id INTEGER, model_id INTEGER, lens_id INTEGER,
			iso REAL, aperture REAL, exposure REAL)`,
		`INSERT INTO film_rolls VALUES (1, '/photos/trip')`,
		`INSERT INTO makers VALUES (1, 'Nikon')`,
		`INSERT INTO models VALUES (1, 'Z 6')`,
		`INSERT INTO lens VALUES (1, 'NIKKOR Z 24-70mm f/4 S')`,
		`INSERT INTO images VALUES (1, 1, 'DSC_0001.NEF', 1, 1, 1, 200, 4.0000001, 0.004)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err, stmt)
	}
	require.NoError(t, db.Close())

	src, err := NewDarktableSource(dir)
	require.NoError(t, err)
	defer src.Close()

	tags, err := src.Lookup("/photos/trip/DSC_0001.NEF")
	require.NoError(t, err)
	r := FromTags(tags)
	assert.Equal(t, "Z 6", r.Camera)
	assert.Equal(t, "NIKKOR Z 24-70mm f/4 S", r.Lens)
	assert.Equal(t, "200", r.ISO)
	assert.Equal(t, "f/4", r.Aperture)
	assert.Equal(t, "1/250s", r.Shutter)

	_, err = src.Lookup("/photos/trip/missing.NEF")
	assert.ErrorIs(t, err, ErrNotInLibrary)
}

func TestNewDarktableSourceMissingLibrary(t *testing.T) {
	_, err := NewDarktableSource(t.TempDir())
	assert.Error(t, err)
}

func tinyJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for i := range img.Pix {
		img.Pix[i] = 0x80
	}
	img.Set(0, 0, color.White)
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

func withAPP13(t *testing.T, jpg []byte, datasets map[byte]string) []byte {
	t.Helper()
	var iptc bytes.Buffer
	for _, ds := range []byte{80, 90, 92, 95, 101, 116, 120} {
		v, ok := datasets[ds]
		if !ok {
			continue
		}
		iptc.Write([]byte{0x1C, iptcRecord, ds})
		_ = binary.Write(&iptc, binary.BigEndian, uint16(len(v)))
		iptc.WriteString(v)
	}

	var res bytes.Buffer
	res.WriteString("8BIM")
	_ = binary.Write(&res, binary.BigEndian, uint16(iptcBlockID))
	res.Write([]byte{0, 0})
	_ = binary.Write(&res, binary.BigEndian, uint32(iptc.Len()))
	res.Write(iptc.Bytes())
	if iptc.Len()%2 != 0 {
		res.WriteByte(0)
	}

	payload := append(append([]byte(nil), photoshopPrefix...), res.Bytes()...)
	var out bytes.Buffer
	out.Write(jpg[:2])
	out.Write([]byte{0xFF, app13Marker})
	_ = binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write(jpg[2:])
	return out.Bytes()
}

func TestOrientation(t *testing.T) {
	assert.Equal(t, 6, Orientation(Tags{"Orientation": float64(6)}))
	assert.Equal(t, 3, Orientation(Tags{"Orientation": []float64{3}}))
	assert.Equal(t, 1, Orientation(Tags{"Orientation": float64(12)}))
	assert.Equal(t, 1, Orientation(Tags{}))
}
