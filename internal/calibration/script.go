package calibration

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

// ScriptFunction is the function every calibration script must define.
const ScriptFunction = "GEFactor"

// DefaultScriptTimeout bounds a single GEFactor call.
const DefaultScriptTimeout = 250 * time.Millisecond

// Script runs a JavaScript GEFactor(E) function in an embedded goja runtime.
// The source is evaluated once at load. goja runtimes are not goroutine safe,
// so calls are serialised.
type Script struct {
	name    string
	timeout time.Duration

	mu sync.Mutex
	vm *goja.Runtime
	fn goja.Callable
}

// NewScript evaluates src and binds its GEFactor function. name is only used
// in error messages and stack traces.
func NewScript(name, src string, timeout time.Duration) (*Script, error) {
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}

	rt := goja.New()
	done := make(chan struct{})
	timer := time.AfterFunc(timeout, func() {
		select {
		case <-done:
		default:
			rt.Interrupt("calibration script load timed out")
		}
	})
	_, err := rt.RunScript(name, src)
	close(done)
	timer.Stop()
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate %s: %w", name, err)
	}

	fn, ok := goja.AssertFunction(rt.Get(ScriptFunction))
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingFunction)
	}
	return &Script{name: name, timeout: timeout, vm: rt, fn: fn}, nil
}

func (s *Script) Factor(energy float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timer := time.AfterFunc(s.timeout, func() {
		s.vm.Interrupt(fmt.Sprintf("%s exceeded %v", ScriptFunction, s.timeout))
	})
	res, err := s.fn(goja.Undefined(), s.vm.ToValue(energy))
	timer.Stop()
	s.vm.ClearInterrupt()
	if err != nil {
		return 0, fmt.Errorf("%s: %s(%g): %w", s.name, ScriptFunction, energy, err)
	}
	return finite(res.ToFloat(), energy)
}

func (s *Script) String() string { return s.name }
