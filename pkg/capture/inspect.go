package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// Capture file formats
const (
	FormatPcap    = "pcap"
	FormatPcapNG  = "pcapng"
	FormatUnknown = "unknown"
)

// ErrNotCapture is returned by Inspect for files that are neither pcap nor pcapng
var ErrNotCapture = errors.New("not a pcap or pcapng file")

// Info summarizes a capture file
type Info struct {
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	Format      string    `json:"format"`
	ContentType string    `json:"content_type"`
	LinkType    string    `json:"link_type"`
	SnapLen     uint32    `json:"snap_len"`
	Packets     int       `json:"packets"`
	Bytes       int64     `json:"bytes"`
	First       time.Time `json:"first,omitempty"`
	Last        time.Time `json:"last,omitempty"`
	Truncated   bool      `json:"truncated,omitempty"`
}

// Duration is the span between the first and last packet
func (i *Info) Duration() time.Duration {
	if i.First.IsZero() || i.Last.IsZero() {
		return 0
	}
	return i.Last.Sub(i.First)
}

// NewPacketReader detects the format of r and returns a reader over its packets
func NewPacketReader(r io.Reader) (gopacket.PacketDataSource, layers.LinkType, string, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(sniffLen)

	switch Detect(head) {
	case PcapType:
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return nil, 0, FormatPcap, fmt.Errorf("failed to read pcap header: %w", err)
		}
		return pr, pr.LinkType(), FormatPcap, nil
	case PcapNGType:
		nr, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, 0, FormatPcapNG, fmt.Errorf("failed to read pcapng section: %w", err)
		}
		return nr, nr.LinkType(), FormatPcapNG, nil
	default:
		return nil, 0, FormatUnknown, ErrNotCapture
	}
}

// Inspect reads the capture at path and counts its packets
func Inspect(path string) (*Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat capture: %w", err)
	}
	info := &Info{Path: path, Size: stat.Size(), Format: FormatUnknown}

	head := make([]byte, sniffLen)
	n, _ := io.ReadFull(f, head)
	info.ContentType = DetectContentType(head[:n])
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind capture: %w", err)
	}

	src, link, format, err := NewPacketReader(f)
	info.Format = format
	if err != nil {
		return info, err
	}
	info.LinkType = link.String()

	switch r := src.(type) {
	case *pcapgo.Reader:
		info.SnapLen = r.Snaplen()
	case *pcapgo.NgReader:
		if r.NInterfaces() > 0 {
			if iface, err := r.Interface(0); err == nil {
				info.SnapLen = iface.SnapLength
			}
		}
	}

	for {
		data, ci, err := src.ReadPacketData()
		if err == io.EOF {
			break
		}
		if err != nil {
			// a torn last record is common for captures cut short
			info.Truncated = true
			break
		}
		info.Packets++
		info.Bytes += int64(len(data))
		if info.First.IsZero() || ci.Timestamp.Before(info.First) {
			info.First = ci.Timestamp
		}
		if ci.Timestamp.After(info.Last) {
			info.Last = ci.Timestamp
		}
	}

	return info, nil
}
