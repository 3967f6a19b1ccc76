package capture

import (
	"bytes"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
)

// MIME types used for capture uploads
const (
	MIMEPcap        = "application/vnd.tcpdump.pcap"
	MIMEOctetStream = "application/octet-stream"
)

// sniffLen is the number of leading bytes inspected for magic numbers
const sniffLen = 512

var (
	// PcapType is the classic libpcap format, any byte order or timestamp resolution
	PcapType = filetype.NewType("pcap", MIMEPcap)
	// PcapNGType is the pcapng block format; uploads share the pcap MIME type
	PcapNGType = filetype.NewType("pcapng", MIMEPcap)

	pcapMagics = [][]byte{
		{0xd4, 0xc3, 0xb2, 0xa1}, // little endian, microseconds
		{0xa1, 0xb2, 0xc3, 0xd4}, // big endian, microseconds
		{0x4d, 0x3c, 0xb2, 0xa1}, // little endian, nanoseconds
		{0xa1, 0xb2, 0x3c, 0x4d}, // big endian, nanoseconds
	}
	pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}
)

func init() {
	filetype.AddMatcher(PcapType, matchPcap)
	filetype.AddMatcher(PcapNGType, matchPcapNG)
}

func matchPcap(buf []byte) bool {
	if len(buf) < 24 {
		return false
	}
	for _, magic := range pcapMagics {
		if bytes.Equal(buf[:4], magic) {
			return true
		}
	}
	return false
}

// matchPcapNG checks for a section header block with a known byte-order magic
func matchPcapNG(buf []byte) bool {
	if len(buf) < 12 || !bytes.Equal(buf[:4], pcapngMagic) {
		return false
	}
	bom := buf[8:12]
	return bytes.Equal(bom, []byte{0x4d, 0x3c, 0x2b, 0x1a}) || bytes.Equal(bom, []byte{0x1a, 0x2b, 0x3c, 0x4d})
}

// Detect returns the matched type of the leading bytes of a file
func Detect(head []byte) types.Type {
	kind, err := filetype.Match(head)
	if err != nil {
		return filetype.Unknown
	}
	return kind
}

// DetectContentType maps the leading bytes to an upload MIME type,
// falling back to application/octet-stream.
func DetectContentType(head []byte) string {
	kind := Detect(head)
	if kind == filetype.Unknown || kind.MIME.Value == "" {
		return MIMEOctetStream
	}
	return kind.MIME.Value
}

// IsCapture reports whether head looks like a pcap or pcapng file
func IsCapture(head []byte) bool {
	kind := Detect(head)
	return kind == PcapType || kind == PcapNGType
}
