package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gamma.report/internal/calibration"
	"github.com/banshee-data/gamma.report/internal/config"
	"github.com/banshee-data/gamma.report/internal/fsutil"
	"github.com/banshee-data/gamma.report/internal/monitoring"
	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/store"
)

const replaySettings = `
peer_address: 10.0.0.2
ge_script_directory: ge
selected_detector: SN-1
detector_types:
  - name: NaI
    max_num_channels: 1024
    min_hv: 500
    max_hv: 1000
    ge_script: NaI.poly
detectors:
  - serial: SN-1
    type_name: NaI
    num_channels: 3
    hv: 700
    energy_curve: [0, 1]
`

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	os.Exit(m.Run())
}

type capture struct {
	t   *testing.T
	w   *pcapgo.Writer
	buf bytes.Buffer
	ts  time.Time
}

func newCapture(t *testing.T) *capture {
	c := &capture{t: t, ts: time.Date(2016, 5, 3, 10, 4, 9, 0, time.UTC)}
	c.w = pcapgo.NewWriter(&c.buf)
	require.NoError(t, c.w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	return c
}

func (c *capture) add(srcPort int, payload []byte) {
	c.t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP("10.0.0.2").To4(),
		DstIP:    net.ParseIP("10.0.0.100").To4(),
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: 50000}
	require.NoError(c.t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(c.t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))

	data := buf.Bytes()
	require.NoError(c.t, c.w.WritePacket(gopacket.CaptureInfo{Timestamp: c.ts, CaptureLength: len(data), Length: len(data)}, data))
	c.ts = c.ts.Add(2 * time.Second)
}

func (c *capture) addMessage(srcPort int, msg *protocol.Message) {
	c.t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(c.t, err)
	c.add(srcPort, data)
}

func TestReplay(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "gamma.yaml")
	require.NoError(t, os.WriteFile(path, []byte(replaySettings), 0o644))
	settings, err := config.Load(path)
	require.NoError(t, err)

	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, fsys.MkdirAll("ge", 0o755))
	require.NoError(t, fsys.WriteFile("ge/NaI.poly", []byte("0, 1\n"), 0o644))

	c := newCapture(t)
	c.addMessage(4242, protocol.New(protocol.CmdStartSessionSuccess, "").
		SetString(protocol.KeySessionName, "field-1").
		SetBool(protocol.KeyPreview, false).
		SetFloat(protocol.KeyLivetime, 2).
		SetInt(protocol.KeyIterations, 2))
	for i, ch := range []string{"1 2 3", "4 5 6"} {
		c.addMessage(4242, protocol.New(protocol.CmdSpectrum, "").
			SetString(protocol.KeySessionName, "field-1").
			SetInt(protocol.KeySessionIndex, int64(i)).
			SetInt(protocol.KeyNumChannels, 3).
			SetFloat(protocol.KeyLivetime, 2).
			SetString(protocol.KeyChannels, ch))
	}
	c.add(4242, []byte("garbage"))
	c.add(5353, []byte("mdns"))
	c.addMessage(4242, protocol.New(protocol.CmdSessionFinished, "").SetString(protocol.KeySessionName, "field-1"))

	res, err := replay(context.Background(), Config{OutputDir: "out", Port: 4242}, settings, fsys, bytes.NewReader(c.buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, 5, res.Datagrams)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, map[string]int{
		protocol.CmdStartSessionSuccess: 1,
		protocol.CmdSpectrum:            2,
		protocol.CmdSessionFinished:     1,
	}, res.Commands)
	assert.Equal(t, []string{"field-1"}, res.Sessions)
	assert.Equal(t, 10.0, res.Duration)

	files := store.NewFileStore(fsys, "out")
	info, err := files.ReadInfo("field-1")
	require.NoError(t, err)
	assert.Equal(t, "SN-1", info.Detector.Serial)

	sess, err := files.LoadSession("field-1", calibration.NewLoader(fsys, "ge"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, sess.Indices())

	var out strings.Builder
	require.NoError(t, writeResult(&out, res))
	assert.Contains(t, out.String(), `"sessions": [`)
}

func TestReplay_BadCapture(t *testing.T) {
	t.Parallel()

	_, err := replay(context.Background(), Config{OutputDir: "out"}, &config.Settings{}, fsutil.NewMemoryFileSystem(), strings.NewReader("not a pcap"))
	assert.Error(t, err)
}
