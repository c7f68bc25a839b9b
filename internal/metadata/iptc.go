package metadata

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
)

const (
	app13Marker = 0xED
	sosMarker   = 0xDA
	iptcRecord  = 0x02
	iptcBlockID = 0x0404
)

var photoshopPrefix = []byte("Photoshop 3.0\x00")

// IPTC application record datasets mapped onto the tag names used by the
// location and copyright lookups.
var iptcDatasets = map[byte]string{
	80:  "By-line",
	90:  "City",
	92:  "Sub-location",
	95:  "Province-State",
	101: "Country-PrimaryLocationName",
	116: "CopyrightNotice",
	120: "Caption-Abstract",
}

// jpegSegment returns the payload of the first APPn segment with the given
// marker whose data starts with prefix, or nil.
func jpegSegment(r io.Reader, marker byte, prefix []byte) []byte {
	buf := make([]byte, 2)
	if _, err := io.ReadFull(r, buf); err != nil || buf[0] != 0xFF || buf[1] != 0xD8 {
		return nil
	}
	for {
		if _, err := io.ReadFull(r, buf); err != nil || buf[0] != 0xFF {
			return nil
		}
		seg := buf[1]
		if seg == sosMarker {
			return nil
		}
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return nil
		}
		n := int(binary.BigEndian.Uint16(lenBuf)) - 2
		if n < 0 {
			return nil
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil
		}
		if seg == marker && bytes.HasPrefix(data, prefix) {
			return data[len(prefix):]
		}
	}
}

// parseIPTC walks the Photoshop 8BIM resources and copies known IPTC
// datasets into tags. Repeated datasets are joined with "; ".
func parseIPTC(data []byte, tags Tags) {
	i := 0
	for i+8 < len(data) {
		if !bytes.Equal(data[i:i+4], []byte("8BIM")) {
			i++
			continue
		}
		resType := binary.BigEndian.Uint16(data[i+4 : i+6])
		nameLen := int(data[i+6])
		if nameLen%2 == 0 {
			nameLen++
		}
		i += 7 + nameLen
		if i+4 > len(data) {
			return
		}
		size := int(binary.BigEndian.Uint32(data[i : i+4]))
		i += 4
		if size < 0 || i+size > len(data) {
			return
		}
		if resType == iptcBlockID {
			parseIPTCBlock(data[i:i+size], tags)
		}
		i += size
		if size%2 != 0 {
			i++
		}
	}
}

func parseIPTCBlock(data []byte, tags Tags) {
	i := 0
	for i+5 <= len(data) {
		if data[i] != 0x1C {
			i++
			continue
		}
		record, dataset := data[i+1], data[i+2]
		n := int(binary.BigEndian.Uint16(data[i+3 : i+5]))
		i += 5
		if i+n > len(data) {
			return
		}
		value := strings.TrimSpace(string(data[i : i+n]))
		i += n
		name, ok := iptcDatasets[dataset]
		if record != iptcRecord || !ok || value == "" {
			continue
		}
		if prev, ok := tags[name].(string); ok && prev != "" {
			value = prev + "; " + value
		}
		tags[name] = value
	}
}
