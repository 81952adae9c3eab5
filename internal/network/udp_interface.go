package network

import (
	"net"
	"sync"
	"time"
)

// UDPSocket is the part of *net.UDPConn the detector link touches.
type UDPSocket interface {
	ReadFromUDP(b []byte) (n int, addr *net.UDPAddr, err error)
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	SetReadBuffer(bytes int) error
	SetReadDeadline(t time.Time) error
	LocalAddr() net.Addr
	Close() error
}

// UDPSocketFactory binds the link's local socket.
type UDPSocketFactory interface {
	ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error)
}

// RealUDPSocketFactory binds with net.ListenUDP. *net.UDPConn already
// satisfies UDPSocket.
type RealUDPSocketFactory struct{}

func NewRealUDPSocketFactory() *RealUDPSocketFactory { return &RealUDPSocketFactory{} }

func (*RealUDPSocketFactory) ListenUDP(network string, laddr *net.UDPAddr) (UDPSocket, error) {
	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// MockUDPPacket is one datagram seen by a MockUDPSocket.
type MockUDPPacket struct {
	Data []byte
	Addr *net.UDPAddr
}

// MockUDPSocket stands in for the detector's socket in tests and in -dev
// mode. Reads drain injected packets and then time out; writes are recorded
// and handed to OnWrite so a fake device can answer.
type MockUDPSocket struct {
	mu       sync.Mutex
	inbox    []MockUDPPacket
	sent     []MockUDPPacket
	closed   bool
	rcvbuf   int
	readErr  error
	writeErr error

	LocalAddress *net.UDPAddr
	// OnWrite runs after each successful write, outside the socket lock.
	OnWrite func(data []byte, addr *net.UDPAddr)
}

func NewMockUDPSocket(packets []MockUDPPacket) *MockUDPSocket {
	return &MockUDPSocket{
		inbox:        append([]MockUDPPacket(nil), packets...),
		LocalAddress: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9999},
	}
}

// Inject queues a datagram from the given peer.
func (m *MockUDPSocket) Inject(data []byte, from *net.UDPAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, MockUDPPacket{Data: append([]byte(nil), data...), Addr: from})
}

// FailNextRead makes exactly one ReadFromUDP return err.
func (m *MockUDPSocket) FailNextRead(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// FailWrites makes writes return err until called again with nil.
func (m *MockUDPSocket) FailWrites(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *MockUDPSocket) ReadFromUDP(b []byte) (int, *net.UDPAddr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.closed:
		return 0, nil, net.ErrClosed
	case m.readErr != nil:
		err := m.readErr
		m.readErr = nil
		return 0, nil, err
	case len(m.inbox) == 0:
		return 0, nil, &net.OpError{Op: "read", Net: "udp", Err: timeoutError{}}
	}
	pkt := m.inbox[0]
	m.inbox = m.inbox[1:]
	return copy(b, pkt.Data), pkt.Addr, nil
}

func (m *MockUDPSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	m.mu.Lock()
	if m.closed || m.writeErr != nil {
		err := m.writeErr
		if m.closed {
			err = net.ErrClosed
		}
		m.mu.Unlock()
		return 0, err
	}
	data := append([]byte(nil), b...)
	m.sent = append(m.sent, MockUDPPacket{Data: data, Addr: addr})
	hook := m.OnWrite
	m.mu.Unlock()

	if hook != nil {
		hook(data, addr)
	}
	return len(b), nil
}

// Written returns every datagram sent so far.
func (m *MockUDPSocket) Written() []MockUDPPacket {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockUDPPacket(nil), m.sent...)
}

// Pending is the number of injected datagrams not yet read.
func (m *MockUDPSocket) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inbox)
}

func (m *MockUDPSocket) SetReadBuffer(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rcvbuf = n
	return nil
}

func (m *MockUDPSocket) ReadBufferSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rcvbuf
}

func (m *MockUDPSocket) SetReadDeadline(time.Time) error { return nil }
func (m *MockUDPSocket) LocalAddr() net.Addr             { return m.LocalAddress }

func (m *MockUDPSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockUDPSocket) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockUDPSocketFactory hands out Socket, or fails with Error, and records
// each requested local address.
type MockUDPSocketFactory struct {
	Socket   *MockUDPSocket
	Error    error
	Listened []*net.UDPAddr
}

func NewMockUDPSocketFactory(socket *MockUDPSocket) *MockUDPSocketFactory {
	return &MockUDPSocketFactory{Socket: socket}
}

func (f *MockUDPSocketFactory) ListenUDP(_ string, laddr *net.UDPAddr) (UDPSocket, error) {
	f.Listened = append(f.Listened, laddr)
	if f.Error != nil {
		return nil, f.Error
	}
	return f.Socket, nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
