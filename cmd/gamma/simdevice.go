package main

import (
	"context"
	"math"
	"math/rand/v2"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/banshee-data/gamma.report/internal/monitoring"
	"github.com/banshee-data/gamma.report/internal/network"
	"github.com/banshee-data/gamma.report/internal/protocol"
)

// simDevice plays the detector service behind a mock socket for -dev.
// Commands written by the transport are answered by injecting replies, and
// a running session emits Poisson spectra with a single photopeak.
type simDevice struct {
	sock     *network.MockUDPSocket
	from     *net.UDPAddr
	channels int
	// speedup divides every livetime wait.
	speedup float64

	mu     sync.Mutex
	rng    *rand.Rand
	cancel context.CancelFunc
	run    int
	wg     sync.WaitGroup
}

func newSimDevice(sock *network.MockUDPSocket, from *net.UDPAddr, channels int, seed uint64) *simDevice {
	if channels <= 0 {
		channels = 1024
	}
	s := &simDevice{
		sock:     sock,
		from:     from,
		channels: channels,
		speedup:  1,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
	sock.OnWrite = s.handle
	return s
}

func (s *simDevice) reply(msg *protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		monitoring.Logf("sim device: failed to encode %s: %v", msg.Command, err)
		return
	}
	s.sock.Inject(data, s.from)
}

func (s *simDevice) handle(data []byte, _ *net.UDPAddr) {
	msg, err := protocol.Decode(data, "")
	if err != nil {
		monitoring.Logf("sim device: %v", err)
		return
	}
	switch msg.Command {
	case protocol.CmdConnect:
		port, _ := msg.GetInt(protocol.KeyPort)
		s.reply(protocol.New(protocol.CmdConnectOK, "").
			SetString(protocol.KeyHost, msg.StringOr(protocol.KeyHost, "")).
			SetInt(protocol.KeyPort, port))
	case protocol.CmdDisconnect:
		s.stopRun()
		s.reply(protocol.New(protocol.CmdDisconnectOK, ""))
	case protocol.CmdClose:
		s.stopRun()
		s.reply(protocol.New(protocol.CmdCloseOK, ""))
	case protocol.CmdStartSession:
		s.start(msg)
	case protocol.CmdStopSession:
		if s.stopRun() {
			s.reply(protocol.New(protocol.CmdStopSessionSuccess, ""))
		} else {
			s.reply(protocol.New(protocol.CmdStopSessionError, "").
				SetString(protocol.KeyMessage, "no session running"))
		}
	case protocol.CmdSetDetectorConfig:
		c, err := protocol.ParseDetectorConfig(msg)
		if err != nil {
			s.reply(protocol.New(protocol.CmdError, "").SetString(protocol.KeyMessage, err.Error()))
			return
		}
		ok := protocol.SetDetectorConfig("", c)
		ok.Command = protocol.CmdDetectorConfigSuccess
		s.reply(ok)
	default:
		s.reply(protocol.New(protocol.CmdError, "").
			SetString(protocol.KeyMessage, "unknown command "+msg.Command))
	}
}

func (s *simDevice) start(msg *protocol.Message) {
	name := msg.StringOr(protocol.KeySessionName, "")
	livetime := msg.FloatOr(protocol.KeyLivetime, 0)
	iterations, err := msg.GetInt(protocol.KeyIterations)
	preview, _ := msg.GetBool(protocol.KeyPreview)
	if name == "" || livetime <= 0 || err != nil {
		s.reply(protocol.New(protocol.CmdStartSessionError, "").
			SetString(protocol.KeyMessage, "invalid session parameters"))
		return
	}

	s.stopRun()
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.run++
	run := s.run
	s.mu.Unlock()

	s.reply(protocol.New(protocol.CmdStartSessionSuccess, "").
		SetString(protocol.KeySessionName, name).
		SetBool(protocol.KeyPreview, preview).
		SetFloat(protocol.KeyLivetime, livetime).
		SetInt(protocol.KeyIterations, iterations))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wait := time.Duration(livetime / s.speedup * float64(time.Second))
		for i := int64(0); iterations < 0 || i < iterations; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			s.reply(s.spectrum(name, i, preview, livetime))
		}
		s.mu.Lock()
		if s.run == run {
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
		s.reply(protocol.New(protocol.CmdSessionFinished, "").SetString(protocol.KeySessionName, name))
	}()
}

// stopRun cancels the running session, if any, and reports whether there was one.
func (s *simDevice) stopRun() bool {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// Close stops any session and waits for its goroutine.
func (s *simDevice) Close() {
	s.stopRun()
	s.wg.Wait()
}

func (s *simDevice) spectrum(name string, index int64, preview bool, livetime float64) *protocol.Message {
	counts := s.counts(livetime)
	fields := make([]string, len(counts))
	for i, c := range counts {
		fields[i] = strconv.Itoa(c)
	}
	return protocol.New(protocol.CmdSpectrum, "").
		SetString(protocol.KeySessionName, name).
		SetInt(protocol.KeySessionIndex, index).
		SetBool(protocol.KeyPreview, preview).
		SetFloat(protocol.KeyLivetime, livetime).
		SetFloat(protocol.KeyRealtime, livetime*1.02).
		SetInt(protocol.KeyNumChannels, int64(s.channels)).
		SetString(protocol.KeyChannels, strings.Join(fields, " "))
}

// counts draws one spectrum: a falling continuum plus a Gaussian peak at 60%
// of the range.
func (s *simDevice) counts(livetime float64) []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := float64(s.channels)
	centre, sigma := 0.6*n, n/80
	out := make([]int, s.channels)
	for i := range out {
		ch := float64(i)
		rate := 4*math.Exp(-ch/(n/5)) + 12*math.Exp(-0.5*math.Pow((ch-centre)/sigma, 2))
		lambda := rate * livetime
		if lambda <= 0 {
			continue
		}
		out[i] = int(distuv.Poisson{Lambda: lambda, Src: s.rng}.Rand())
	}
	return out
}
