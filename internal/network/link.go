package network

import (
	"fmt"
	"net"
	"sync"

	"github.com/banshee-data/gamma.report/internal/monitoring"
	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/queue"
)

// DefaultReadBufferBytes is the OS receive buffer requested for the socket.
const DefaultReadBufferBytes = 1 << 20

// LinkConfig describes one connection to an acquisition device.
type LinkConfig struct {
	// BindAddress is the local host:port to listen on. Empty binds an
	// ephemeral port on all interfaces.
	BindAddress string
	// PeerAddress is the device host used for messages without an explicit peer.
	PeerAddress string
	// ReadBufferBytes sizes the OS receive buffer. Zero uses the default.
	ReadBufferBytes int

	Worker WorkerConfig
}

// Link is the connection context shared between the dispatcher and the
// transport worker: socket, queue pair and worker lifecycle. Each reconnect
// creates a new Link; the old one must be closed first.
type Link struct {
	peer   string
	sock   UDPSocket
	queues *queue.Pair[*protocol.Message]
	worker *Worker

	closeOnce sync.Once
	closeErr  error
}

// Open binds a socket through factory and starts the worker.
func Open(cfg LinkConfig, factory UDPSocketFactory) (*Link, error) {
	if factory == nil {
		factory = NewRealUDPSocketFactory()
	}

	var laddr *net.UDPAddr
	if cfg.BindAddress != "" {
		a, err := net.ResolveUDPAddr("udp", cfg.BindAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve bind address %q: %w", cfg.BindAddress, err)
		}
		laddr = a
	}

	sock, err := factory.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp socket: %w", err)
	}

	bufSize := cfg.ReadBufferBytes
	if bufSize <= 0 {
		bufSize = DefaultReadBufferBytes
	}
	if err := sock.SetReadBuffer(bufSize); err != nil {
		// not fatal, the OS default still works
		monitoring.Logf("network: failed to set read buffer to %d bytes: %v", bufSize, err)
	}

	queues := queue.NewPair[*protocol.Message]()
	l := &Link{
		peer:   cfg.PeerAddress,
		sock:   sock,
		queues: queues,
		worker: NewWorker(sock, queues, cfg.Worker),
	}
	l.worker.Start()
	monitoring.Logf("network: link listening on %s, peer %q", sock.LocalAddr(), cfg.PeerAddress)
	return l, nil
}

// Peer is the default device host.
func (l *Link) Peer() string { return l.peer }

func (l *Link) LocalAddr() net.Addr { return l.sock.LocalAddr() }

// Enqueue hands msg to the worker. A message without a peer is addressed to
// the link's default peer.
func (l *Link) Enqueue(msg *protocol.Message) error {
	if !l.worker.IsRunning() {
		return fmt.Errorf("cannot send %s: %w", msg.Command, ErrStopped)
	}
	if msg.Peer == "" {
		msg.Peer = l.peer
	}
	l.queues.Outbound.Push(msg)
	return nil
}

// PollInbound returns the next received message, if any.
func (l *Link) PollInbound() (*protocol.Message, bool) {
	return l.queues.Inbound.Pop()
}

// PendingOutbound is the number of messages not yet picked up by the worker.
func (l *Link) PendingOutbound() int { return l.queues.Outbound.Len() }

func (l *Link) RequestStop()          { l.worker.RequestStop() }
func (l *Link) IsRunning() bool       { return l.worker.IsRunning() }
func (l *Link) Done() <-chan struct{} { return l.worker.Done() }
func (l *Link) Wait()                 { l.worker.Wait() }
func (l *Link) Err() error            { return l.worker.Err() }

// Close stops the worker, waits for it and then releases the socket.
// Outbound messages still queued are discarded.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		l.worker.RequestStop()
		l.worker.Wait()
		if n := l.queues.Outbound.Len(); n > 0 {
			monitoring.Logf("network: discarding %d unsent message(s) on close", n)
		}
		if err := l.sock.Close(); err != nil {
			l.closeErr = fmt.Errorf("failed to close socket: %w", err)
		}
	})
	return l.closeErr
}
