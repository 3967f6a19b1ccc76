package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"

	"github.com/psantana5/pcap-relay/pkg/capture"
)

// Packet is one decoded packet in the conversion result
type Packet struct {
	Number    int      `json:"number"`
	Timestamp string   `json:"timestamp"`
	SrcAddr   string   `json:"srcAddr,omitempty"`
	DstAddr   string   `json:"dstAddr,omitempty"`
	Protocol  string   `json:"protocol"`
	Length    int      `json:"length"`
	Layers    []string `json:"layers"`
}

// Convert decodes every packet of a pcap or pcapng stream into JSON
func Convert(r io.Reader) ([]byte, error) {
	src, link, _, err := capture.NewPacketReader(r)
	if err != nil {
		return nil, err
	}

	packets := make([]Packet, 0)
	ps := gopacket.NewPacketSource(src, link)
	ps.DecodeOptions = gopacket.Lazy

	for {
		pkt, err := ps.NextPacket()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read packet %d: %w", len(packets)+1, err)
		}
		packets = append(packets, describe(len(packets)+1, pkt))
	}

	return json.Marshal(packets)
}

func describe(n int, pkt gopacket.Packet) Packet {
	md := pkt.Metadata()
	p := Packet{
		Number:    n,
		Timestamp: md.Timestamp.UTC().Format(time.RFC3339Nano),
		Length:    md.Length,
		Protocol:  "Unknown",
	}

	for _, l := range pkt.Layers() {
		name := l.LayerType().String()
		p.Layers = append(p.Layers, name)
		if l.LayerType() != gopacket.LayerTypePayload {
			p.Protocol = name
		}
	}

	if nl := pkt.NetworkLayer(); nl != nil {
		src, dst := nl.NetworkFlow().Endpoints()
		p.SrcAddr = src.String()
		p.DstAddr = dst.String()
	}
	if tl := pkt.TransportLayer(); tl != nil && p.SrcAddr != "" {
		src, dst := tl.TransportFlow().Endpoints()
		p.SrcAddr += ":" + src.String()
		p.DstAddr += ":" + dst.String()
	}
	return p
}
