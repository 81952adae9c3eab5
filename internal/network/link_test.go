package network

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/timeutil"
)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

var device = &net.UDPAddr{IP: net.ParseIP("10.1.2.3"), Port: DefaultServicePort}

type recordingStats struct {
	mu           sync.Mutex
	sent         int
	received     int
	dropped      map[string]int
	terminations int
}

func newRecordingStats() *recordingStats {
	return &recordingStats{dropped: make(map[string]int)}
}

func (s *recordingStats) AddSent(int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent++
}

func (s *recordingStats) AddReceived(int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received++
}

func (s *recordingStats) AddDropped(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropped[reason]++
}

func (s *recordingStats) AddTermination() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminations++
}

func (s *recordingStats) droppedFor(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[reason]
}

func openMockLink(t *testing.T, sock *MockUDPSocket, wc WorkerConfig) *Link {
	t.Helper()
	if wc.PollInterval == 0 {
		wc.PollInterval = time.Millisecond
	}
	l, err := Open(LinkConfig{PeerAddress: "10.1.2.3", Worker: wc}, NewMockUDPSocketFactory(sock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func encode(t *testing.T, m *protocol.Message) []byte {
	t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(t, err)
	return data
}

func pollOne(t *testing.T, l *Link) *protocol.Message {
	t.Helper()
	var got *protocol.Message
	require.Eventually(t, func() bool {
		m, ok := l.PollInbound()
		if ok {
			got = m
		}
		return ok
	}, waitFor, tick)
	return got
}

func TestLink_SendsToServicePort(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket(nil)
	l := openMockLink(t, sock, WorkerConfig{ServicePort: 9100})

	msg := protocol.StartSession("", protocol.SessionRequest{Name: "s1", Iterations: 3, Livetime: 5})
	require.NoError(t, l.Enqueue(msg))
	assert.Equal(t, "10.1.2.3", msg.Peer)

	require.Eventually(t, func() bool { return len(sock.Written()) == 1 }, waitFor, tick)
	pkt := sock.Written()[0]
	assert.Equal(t, "10.1.2.3", pkt.Addr.IP.String())
	assert.Equal(t, 9100, pkt.Addr.Port)

	decoded, err := protocol.Decode(pkt.Data, "10.1.2.3")
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdStartSession, decoded.Command)
	name, err := decoded.GetString(protocol.KeySessionName)
	require.NoError(t, err)
	assert.Equal(t, "s1", name)
	preview, err := decoded.GetBool(protocol.KeyPreview)
	require.NoError(t, err)
	assert.False(t, preview)
	assert.Equal(t, 1048576, sock.ReadBufferSize())
}

func TestLink_ReceivesAndTagsPeer(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket(nil)
	l := openMockLink(t, sock, WorkerConfig{})

	sock.Inject(encode(t, protocol.New(protocol.CmdConnectOK, "")), device)
	got := pollOne(t, l)
	assert.Equal(t, protocol.CmdConnectOK, got.Command)
	assert.Equal(t, "10.1.2.3", got.Peer)
}

func TestLink_PreservesArrivalOrder(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket(nil)
	for i := 0; i < 20; i++ {
		sock.Inject(encode(t, protocol.New(protocol.CmdSpectrum, "").SetInt(protocol.KeySessionIndex, int64(i))), device)
	}
	l := openMockLink(t, sock, WorkerConfig{})

	for i := 0; i < 20; i++ {
		m := pollOne(t, l)
		idx, err := m.GetInt(protocol.KeySessionIndex)
		require.NoError(t, err)
		assert.Equal(t, int64(i), idx)
	}
}

func TestLink_MalformedDatagramIsDropped(t *testing.T) {
	t.Parallel()

	stats := newRecordingStats()
	sock := NewMockUDPSocket(nil)
	sock.Inject([]byte("not json at all"), device)
	sock.Inject([]byte(`{"no_command":1}`), device)
	sock.Inject(encode(t, protocol.New(protocol.CmdDisconnectOK, "")), device)
	l := openMockLink(t, sock, WorkerConfig{Stats: stats})

	got := pollOne(t, l)
	assert.Equal(t, protocol.CmdDisconnectOK, got.Command)
	assert.Equal(t, 2, stats.droppedFor("malformed"))
	assert.True(t, l.IsRunning())
	assert.NoError(t, l.Err())

	_, ok := l.PollInbound()
	assert.False(t, ok, "malformed datagrams must not reach the inbound queue")
}

func TestLink_StrictPolicyTerminatesOnMalformed(t *testing.T) {
	t.Parallel()

	stats := newRecordingStats()
	sock := NewMockUDPSocket(nil)
	sock.Inject([]byte("{"), device)
	l := openMockLink(t, sock, WorkerConfig{Policy: StrictFaultPolicy, Stats: stats})

	select {
	case <-l.Done():
	case <-time.After(waitFor):
		t.Fatal("worker did not terminate")
	}
	assert.False(t, l.IsRunning())
	assert.ErrorIs(t, l.Err(), protocol.ErrMalformedPayload)
	assert.ErrorIs(t, l.Enqueue(protocol.StopSession("")), ErrStopped)
	stats.mu.Lock()
	assert.Equal(t, 1, stats.terminations)
	stats.mu.Unlock()
}

func TestLink_OversizedDatagramIsDropped(t *testing.T) {
	t.Parallel()

	stats := newRecordingStats()
	sock := NewMockUDPSocket(nil)
	big := make([]byte, 200)
	for i := range big {
		big[i] = 'x'
	}
	sock.Inject(big, device)
	sock.Inject(encode(t, protocol.New(protocol.CmdCloseOK, "")), device)
	l := openMockLink(t, sock, WorkerConfig{MaxPayload: 64, Stats: stats})

	got := pollOne(t, l)
	assert.Equal(t, protocol.CmdCloseOK, got.Command)
	assert.Equal(t, 1, stats.droppedFor("oversized"))
}

func TestLink_OversizedOutboundIsDropped(t *testing.T) {
	t.Parallel()

	stats := newRecordingStats()
	sock := NewMockUDPSocket(nil)
	l := openMockLink(t, sock, WorkerConfig{MaxPayload: 32, Stats: stats})

	require.NoError(t, l.Enqueue(protocol.New(protocol.CmdError, "").SetString(protocol.KeyMessage, "this message is far too long to fit")))
	require.NoError(t, l.Enqueue(protocol.StopSession("")))

	require.Eventually(t, func() bool { return len(sock.Written()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, stats.droppedFor("oversized"))
	assert.True(t, l.IsRunning())
}

func TestLink_UnresolvablePeerIsDropped(t *testing.T) {
	t.Parallel()

	stats := newRecordingStats()
	sock := NewMockUDPSocket(nil)
	l := openMockLink(t, sock, WorkerConfig{Stats: stats})

	require.NoError(t, l.Enqueue(protocol.StopSession("not a host:name")))
	require.NoError(t, l.Enqueue(protocol.Disconnect("")))

	require.Eventually(t, func() bool { return len(sock.Written()) == 1 }, waitFor, tick)
	assert.Equal(t, 1, stats.droppedFor("unresolvable_peer"))
	assert.True(t, l.IsRunning())
}

func TestLink_SocketErrorsAreFatal(t *testing.T) {
	t.Parallel()

	t.Run("read", func(t *testing.T) {
		t.Parallel()
		sock := NewMockUDPSocket(nil)
		sock.FailNextRead(errors.New("connection refused"))
		l := openMockLink(t, sock, WorkerConfig{})

		<-l.Done()
		require.Error(t, l.Err())
		assert.Contains(t, l.Err().Error(), "connection refused")
		assert.False(t, l.IsRunning())
	})

	t.Run("write", func(t *testing.T) {
		t.Parallel()
		sock := NewMockUDPSocket(nil)
		sock.FailWrites(errors.New("network unreachable"))
		l := openMockLink(t, sock, WorkerConfig{})
		require.NoError(t, l.Enqueue(protocol.StopSession("")))

		<-l.Done()
		require.Error(t, l.Err())
		assert.Contains(t, l.Err().Error(), "network unreachable")
	})
}

type panickingSocket struct {
	*MockUDPSocket
}

func (panickingSocket) ReadFromUDP([]byte) (int, *net.UDPAddr, error) {
	panic("driver bug")
}

type panicFactory struct{ sock UDPSocket }

func (f panicFactory) ListenUDP(string, *net.UDPAddr) (UDPSocket, error) { return f.sock, nil }

func TestLink_PanicIsFatal(t *testing.T) {
	t.Parallel()

	l, err := Open(LinkConfig{PeerAddress: "10.1.2.3"}, panicFactory{panickingSocket{NewMockUDPSocket(nil)}})
	require.NoError(t, err)
	defer l.Close()

	<-l.Done()
	assert.ErrorIs(t, l.Err(), ErrWorkerPanic)
}

func TestLink_StopAndJoin(t *testing.T) {
	t.Parallel()

	sock := NewMockUDPSocket(nil)
	l := openMockLink(t, sock, WorkerConfig{})
	assert.True(t, l.IsRunning())

	l.RequestStop()
	assert.False(t, l.IsRunning())
	l.Wait()

	sock.Inject(encode(t, protocol.New(protocol.CmdConnectOK, "")), device)
	time.Sleep(10 * time.Millisecond)
	_, ok := l.PollInbound()
	assert.False(t, ok, "no messages may arrive after stop and join")
	assert.NoError(t, l.Err())

	require.NoError(t, l.Close())
	assert.True(t, sock.IsClosed())
	require.NoError(t, l.Close(), "close is idempotent")
	assert.ErrorIs(t, l.Enqueue(protocol.StopSession("")), ErrStopped)
}

func TestOpen_BindFailure(t *testing.T) {
	t.Parallel()

	factory := NewMockUDPSocketFactory(nil)
	factory.Error = errors.New("address in use")
	_, err := Open(LinkConfig{BindAddress: "127.0.0.1:9999"}, factory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")
	require.Len(t, factory.Listened, 1)
	assert.Equal(t, 9999, factory.Listened[0].Port)

	_, err = Open(LinkConfig{BindAddress: "::nonsense::"}, factory)
	assert.Error(t, err)
}

func TestLink_RealSocketLoopback(t *testing.T) {
	t.Parallel()

	dev, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer dev.Close()
	devPort := dev.LocalAddr().(*net.UDPAddr).Port

	l, err := Open(LinkConfig{
		BindAddress: "127.0.0.1:0",
		PeerAddress: "127.0.0.1",
		Worker:      WorkerConfig{ServicePort: devPort, PollInterval: time.Millisecond},
	}, nil)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Enqueue(protocol.Connect("", "127.0.0.1", 4000)))

	buf := make([]byte, 2048)
	require.NoError(t, dev.SetReadDeadline(time.Now().Add(waitFor)))
	n, from, err := dev.ReadFromUDP(buf)
	require.NoError(t, err)
	req, err := protocol.Decode(buf[:n], from.IP.String())
	require.NoError(t, err)
	assert.Equal(t, protocol.CmdConnect, req.Command)

	_, err = dev.WriteToUDP(encode(t, protocol.New(protocol.CmdConnectOK, "")), from)
	require.NoError(t, err)

	got := pollOne(t, l)
	assert.Equal(t, protocol.CmdConnectOK, got.Command)
	assert.Equal(t, "127.0.0.1", got.Peer)
}

func TestLink_MockClockStillReceives(t *testing.T) {
	t.Parallel()

	dev, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer dev.Close()

	clock := timeutil.NewMockClock(time.Date(2016, 5, 3, 10, 4, 9, 0, time.UTC))
	l, err := Open(LinkConfig{
		BindAddress: "127.0.0.1:0",
		PeerAddress: "127.0.0.1",
		Worker: WorkerConfig{
			ServicePort:  dev.LocalAddr().(*net.UDPAddr).Port,
			PollInterval: time.Millisecond,
			Clock:        clock,
		},
	}, nil)
	require.NoError(t, err)
	defer l.Close()

	_, err = dev.WriteToUDP(encode(t, protocol.New(protocol.CmdConnectOK, "")), l.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	var got *protocol.Message
	require.Eventually(t, func() bool {
		clock.Advance(time.Millisecond)
		m, ok := l.PollInbound()
		got = m
		return ok
	}, waitFor, tick)
	assert.Equal(t, protocol.CmdConnectOK, got.Command)
}

func TestDefaultFaultPolicy(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want Severity
	}{
		{&protocol.MalformedPayloadError{Reason: "x"}, Recoverable},
		{ErrOversizedDatagram, Recoverable},
		{ErrUnresolvablePeer, Recoverable},
		{ErrUnencodable, Recoverable},
		{net.ErrClosed, Fatal},
		{errors.New("anything else"), Fatal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DefaultFaultPolicy(tt.err), tt.err.Error())
		assert.Equal(t, Fatal, StrictFaultPolicy(tt.err))
	}
	assert.Equal(t, "recoverable", Recoverable.String())
	assert.Equal(t, "fatal", Fatal.String())
}
