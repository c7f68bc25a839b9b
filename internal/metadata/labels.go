package metadata

import "strings"

// Languages with a label table.
const (
	LangChinese = "zh-CN"
	LangEnglish = "en"
)

// Labels holds the user facing strings for one language.
type Labels struct {
	Lang        string
	Fields      map[Field]string
	ReportTitle string
	ExportedAt  string
	Footer      string

	// Placeholder values for the sample record.
	DefaultLocation  string
	DefaultNotes     string
	DefaultCopyright string
}

// Field returns the label for f, or the field name when none is defined.
func (l Labels) Field(f Field) string {
	if v, ok := l.Fields[f]; ok {
		return v
	}
	return string(f)
}

var labelTables = map[string]Labels{
	LangChinese: {
		Lang: LangChinese,
		Fields: map[Field]string{
			FieldCamera:    "相机",
			FieldLens:      "镜头",
			FieldLocation:  "地点",
			FieldISO:       "ISO",
			FieldAperture:  "光圈",
			FieldShutter:   "快门",
			FieldCopyright: "版权",
			FieldNotes:     "备注",
		},
		ReportTitle: "图片信息",
		ExportedAt:  "导出时间",
		Footer:      "使用 ImgEcho 工具生成",

		DefaultLocation:  "中国 北京",
		DefaultNotes:     "示例照片，上传图片后自动读取信息",
		DefaultCopyright: "© 摄影师",
	},
	LangEnglish: {
		Lang: LangEnglish,
		Fields: map[Field]string{
			FieldCamera:    "Camera",
			FieldLens:      "Lens",
			FieldLocation:  "Location",
			FieldISO:       "ISO",
			FieldAperture:  "Aperture",
			FieldShutter:   "Shutter",
			FieldCopyright: "Copyright",
			FieldNotes:     "Notes",
		},
		ReportTitle: "Photo Info",
		ExportedAt:  "Exported",
		Footer:      "Generated with ImgEcho",

		DefaultLocation:  "Beijing, China",
		DefaultNotes:     "Sample photo, upload an image to read its metadata",
		DefaultCopyright: "© Photographer",
	},
}

// LabelsFor returns the table for lang. Matching ignores case and accepts a
// bare language prefix ("zh" → zh-CN); anything else falls back to English.
func LabelsFor(lang string) Labels {
	lang = strings.TrimSpace(lang)
	for key, table := range labelTables {
		if strings.EqualFold(key, lang) {
			return table
		}
	}
	if prefix, _, _ := strings.Cut(lang, "-"); prefix != "" {
		for key, table := range labelTables {
			if p, _, _ := strings.Cut(key, "-"); strings.EqualFold(p, prefix) {
				return table
			}
		}
	}
	return labelTables[LangEnglish]
}

// Languages lists the supported language codes.
func Languages() []string {
	return []string{LangChinese, LangEnglish}
}
