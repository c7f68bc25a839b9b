// Package export turns a rendered frame into a downloadable artifact and
// stores it through a Sink.
package export

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html/template"
	"image"
	"image/jpeg"
	"io"
	"strings"
	"time"

	"github.com/HugoSmits86/nativewebp"

	"imgecho/internal/metadata"
)

// Supported artifact formats.
const (
	FormatJPEG = "jpeg"
	FormatWebP = "webp"
	FormatHTML = "html"
)

// DefaultQuality matches an encoder quality of 0.95.
const DefaultQuality = 95

// Artifact is everything a producer may need.
type Artifact struct {
	Frame  image.Image
	Record metadata.Record
	Labels metadata.Labels
	Time   time.Time
}

// Producer serializes an artifact. Raster producers only look at the frame;
// document producers also list the record.
type Producer interface {
	Format() string
	Ext() string
	ContentType() string
	Produce(w io.Writer, a Artifact) error
}

// JPEG encodes the frame as baseline JPEG.
type JPEG struct {
	Quality int
}

func (JPEG) Format() string      { return FormatJPEG }
func (JPEG) Ext() string         { return "jpg" }
func (JPEG) ContentType() string { return "image/jpeg" }

func (p JPEG) Produce(w io.Writer, a Artifact) error {
	q := p.Quality
	if q <= 0 || q > 100 {
		q = DefaultQuality
	}
	return jpeg.Encode(w, a.Frame, &jpeg.Options{Quality: q})
}

// WebP encodes the frame as lossless WebP.
type WebP struct{}

func (WebP) Format() string      { return FormatWebP }
func (WebP) Ext() string         { return "webp" }
func (WebP) ContentType() string { return "image/webp" }

func (WebP) Produce(w io.Writer, a Artifact) error {
	return nativewebp.Encode(w, a.Frame, nil)
}

// HTML writes a standalone report: the frame embedded as a JPEG data URI
// followed by a table of the record.
type HTML struct {
	Quality int
}

func (HTML) Format() string      { return FormatHTML }
func (HTML) Ext() string         { return "html" }
func (HTML) ContentType() string { return "text/html; charset=utf-8" }

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="{{.Lang}}">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body{font-family:-apple-system,BlinkMacSystemFont,"Segoe UI",sans-serif;max-width:960px;margin:2em auto;color:#222}
img{max-width:100%;height:auto;display:block;margin-bottom:1.5em}
table{border-collapse:collapse;width:100%}
th,td{border-bottom:1px solid #ddd;padding:.5em;text-align:left;vertical-align:top}
th{width:25%;color:#555}
td.notes{white-space:pre-wrap}
footer{margin-top:2em;color:#888;font-size:.9em}
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .Image}}<img src="{{.Image}}" alt="{{.Title}}">{{end}}
<table>
{{range .Rows}}<tr><th>{{.Label}}</th><td{{if eq .Field "notes"}} class="notes"{{end}}>{{.Value}}</td></tr>
{{end}}<tr><th>{{.ExportedLabel}}</th><td>{{.Exported}}</td></tr>
</table>
<footer>{{.Footer}}</footer>
</body>
</html>
`))

type reportData struct {
	Lang          string
	Title         string
	Image         template.URL
	Rows          []metadata.Row
	ExportedLabel string
	Exported      string
	Footer        string
}

func (p HTML) Produce(w io.Writer, a Artifact) error {
	data := reportData{
		Lang:          a.Labels.Lang,
		Title:         a.Labels.ReportTitle,
		Rows:          metadata.Rows(a.Record, a.Labels),
		ExportedLabel: a.Labels.ExportedAt,
		Exported:      a.Time.Format("2006-01-02 15:04:05"),
		Footer:        a.Labels.Footer,
	}
	if a.Frame != nil {
		var buf bytes.Buffer
		if err := (JPEG{Quality: p.Quality}).Produce(&buf, a); err != nil {
			return fmt.Errorf("embed frame: %w", err)
		}
		data.Image = template.URL("data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()))
	}
	return reportTemplate.Execute(w, data)
}

// ProducerFor returns the producer for a format name. jpg is accepted for
// jpeg.
func ProducerFor(format string, quality int) (Producer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJPEG, "jpg":
		return JPEG{Quality: quality}, nil
	case FormatWebP:
		return WebP{}, nil
	case FormatHTML, "htm":
		return HTML{Quality: quality}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}

// Formats lists the accepted format names.
func Formats() []string {
	return []string{FormatJPEG, FormatWebP, FormatHTML}
}
