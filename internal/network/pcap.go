package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/gamma.report/internal/monitoring"
)

// Datagram is one UDP payload pulled out of a capture.
type Datagram struct {
	Payload   []byte
	Source    string
	Timestamp time.Time
}

// ReadPCAP walks a classic pcap capture and calls fn for every UDP payload
// sent from port. A port of 0 accepts any source port. It returns the number
// of datagrams delivered.
func ReadPCAP(ctx context.Context, r io.Reader, port int, fn func(Datagram) error) (int, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("failed to open pcap stream: %w", err)
	}

	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true

	delivered := 0
	for {
		if err := ctx.Err(); err != nil {
			monitoring.Logf("pcap: stopping after %d datagrams: %v", delivered, err)
			return delivered, err
		}

		packet, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			return delivered, nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			monitoring.Logf("pcap: capture truncated after %d datagrams", delivered)
			return delivered, nil
		}
		if err != nil {
			return delivered, fmt.Errorf("failed to read packet: %w", err)
		}

		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if port != 0 && int(udp.SrcPort) != port {
			continue
		}

		src := ""
		if nl := packet.NetworkLayer(); nl != nil {
			src = nl.NetworkFlow().Src().String()
		}

		d := Datagram{
			Payload:   append([]byte(nil), udp.Payload...),
			Source:    src,
			Timestamp: packet.Metadata().Timestamp,
		}
		if err := fn(d); err != nil {
			return delivered, err
		}
		delivered++
	}
}
