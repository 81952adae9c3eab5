// Package network implements the UDP transport to the acquisition device: a
// worker goroutine that moves protocol messages between a socket and a
// lock-free queue pair.
package network

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gamma.report/internal/monitoring"
	"github.com/banshee-data/gamma.report/internal/protocol"
	"github.com/banshee-data/gamma.report/internal/queue"
	"github.com/banshee-data/gamma.report/internal/timeutil"
)

const (
	DefaultServicePort  = 9999
	DefaultRecvTimeout  = 10 * time.Millisecond
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultMaxPayload is the largest UDP payload over IPv4.
	DefaultMaxPayload = 65507
)

// WorkerConfig holds the worker's timing and limits. Zero fields take the
// package defaults.
type WorkerConfig struct {
	// ServicePort is the fixed port on the peer every message is sent to.
	ServicePort int
	// RecvTimeout bounds each socket read while draining inbound datagrams.
	RecvTimeout time.Duration
	// PollInterval is the pause between loop iterations.
	PollInterval time.Duration
	// MaxPayload is the largest datagram accepted or sent.
	MaxPayload int

	Policy FaultPolicy
	Stats  Stats
	// Clock drives the poll timer only. Socket deadlines always use wall
	// time because the kernel compares them against the real clock.
	Clock timeutil.Clock
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.ServicePort == 0 {
		c.ServicePort = DefaultServicePort
	}
	if c.RecvTimeout <= 0 {
		c.RecvTimeout = DefaultRecvTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.Policy == nil {
		c.Policy = DefaultFaultPolicy
	}
	if c.Stats == nil {
		c.Stats = noopStats{}
	}
	if c.Clock == nil {
		c.Clock = timeutil.RealClock{}
	}
	return c
}

// Worker owns one socket and runs the send/receive loop on its own goroutine.
// The client side only touches the queue pair and the stop/liveness methods.
type Worker struct {
	cfg    WorkerConfig
	sock   UDPSocket
	queues *queue.Pair[*protocol.Message]

	// buf is one byte larger than MaxPayload so an oversized datagram can
	// be told apart from one that exactly fits.
	buf []byte

	running  atomic.Bool
	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu  sync.Mutex
	err error
}

// NewWorker prepares a worker. Call Start to launch the loop.
func NewWorker(sock UDPSocket, queues *queue.Pair[*protocol.Message], cfg WorkerConfig) *Worker {
	cfg = cfg.withDefaults()
	w := &Worker{
		cfg:    cfg,
		sock:   sock,
		queues: queues,
		buf:    make([]byte, cfg.MaxPayload+1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	w.running.Store(true)
	return w
}

// Start launches the loop goroutine. Subsequent calls do nothing.
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run()
}

// RequestStop asks the loop to exit after its current step. It does not
// block; use Wait to join.
func (w *Worker) RequestStop() {
	w.running.Store(false)
	w.stopOnce.Do(func() { close(w.stop) })
}

// IsRunning is false once a stop was requested or the loop has exited.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// Done is closed when the loop goroutine has returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until the loop goroutine has returned.
func (w *Worker) Wait() { <-w.done }

// Err returns the fatal error that terminated the loop, or nil if the loop
// is still running or was stopped on request.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.cfg.Stats.AddTermination()
	monitoring.Logf("network: transport worker terminated: %v", err)
}

func (w *Worker) run() {
	defer close(w.done)
	defer w.running.Store(false)
	defer func() {
		if r := recover(); r != nil {
			w.fail(fmt.Errorf("%w: %v", ErrWorkerPanic, r))
		}
	}()

	for w.running.Load() {
		if err := w.flushOutbound(); err != nil {
			w.fail(err)
			return
		}
		if err := w.receiveInbound(); err != nil {
			w.fail(err)
			return
		}
		w.sleep()
	}
}

// handle applies the fault policy. It returns nil when err was dropped.
func (w *Worker) handle(err error) error {
	if w.cfg.Policy(err) == Fatal {
		return err
	}
	reason := dropReason(err)
	w.cfg.Stats.AddDropped(reason)
	monitoring.Logf("network: dropped (%s): %v", reason, err)
	return nil
}

func (w *Worker) flushOutbound() error {
	for {
		msg, ok := w.queues.Outbound.Pop()
		if !ok {
			return nil
		}
		if err := w.send(msg); err != nil {
			if err := w.handle(err); err != nil {
				return err
			}
		}
	}
}

func (w *Worker) send(msg *protocol.Message) error {
	addr, err := w.resolve(msg.Peer)
	if err != nil {
		return fmt.Errorf("%s: %w", msg.Command, err)
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnencodable, err)
	}
	if len(data) > w.cfg.MaxPayload {
		return fmt.Errorf("%s to %s: %w (%d > %d bytes)", msg.Command, addr, ErrOversizedDatagram, len(data), w.cfg.MaxPayload)
	}

	if _, err := w.sock.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", msg.Command, addr, err)
	}
	w.cfg.Stats.AddSent(len(data))
	return nil
}

func (w *Worker) resolve(peer string) (*net.UDPAddr, error) {
	if peer == "" {
		return nil, fmt.Errorf("%w: empty peer", ErrUnresolvablePeer)
	}
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(peer, strconv.Itoa(w.cfg.ServicePort)))
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrUnresolvablePeer, peer, err)
	}
	return addr, nil
}

// receiveInbound reads datagrams until the socket has nothing pending.
func (w *Worker) receiveInbound() error {
	for w.running.Load() {
		if err := w.sock.SetReadDeadline(time.Now().Add(w.cfg.RecvTimeout)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, from, err := w.sock.ReadFromUDP(w.buf)
		if err != nil {
			if isTimeout(err) {
				return nil
			}
			return fmt.Errorf("failed to read datagram: %w", err)
		}

		peer := ""
		if from != nil {
			peer = from.IP.String()
		}
		if n > w.cfg.MaxPayload {
			err := fmt.Errorf("from %s: %w (limit %d bytes)", peer, ErrOversizedDatagram, w.cfg.MaxPayload)
			if err := w.handle(err); err != nil {
				return err
			}
			continue
		}

		msg, err := protocol.Decode(w.buf[:n], peer)
		if err != nil {
			if err := w.handle(err); err != nil {
				return err
			}
			continue
		}
		w.queues.Inbound.Push(msg)
		w.cfg.Stats.AddReceived(n)
	}
	return nil
}

func (w *Worker) sleep() {
	t := w.cfg.Clock.NewTimer(w.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-w.stop:
	case <-t.C():
	}
}
