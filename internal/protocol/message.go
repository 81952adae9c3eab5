// Package protocol defines the datagram messages exchanged with the
// acquisition device and their JSON wire encoding.
package protocol

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrMissingParam is wrapped by ParamError when a key is absent.
	ErrMissingParam = errors.New("missing parameter")
	// ErrWrongType is wrapped by ParamError when a key holds an incompatible value.
	ErrWrongType = errors.New("wrong parameter type")
)

// ParamError names the command and parameter a lookup failed on.
type ParamError struct {
	Command string
	Key     string
	Want    Kind
	Err     error
}

func (e *ParamError) Error() string {
	if errors.Is(e.Err, ErrWrongType) {
		return fmt.Sprintf("%s: parameter %q: %v (want %s)", e.Command, e.Key, e.Err, e.Want)
	}
	return fmt.Sprintf("%s: parameter %q: %v", e.Command, e.Key, e.Err)
}

func (e *ParamError) Unwrap() error { return e.Err }

// Message is one protocol unit: a command name plus a flat parameter map.
// Peer is the remote host the message came from or is addressed to.
type Message struct {
	Command string
	Peer    string
	params  map[string]Value
}

// New returns an empty message for command addressed to peer.
func New(command, peer string) *Message {
	return &Message{Command: command, Peer: peer, params: make(map[string]Value)}
}

// Set stores a parameter and returns m so construction can be chained.
func (m *Message) Set(key string, v Value) *Message {
	if m.params == nil {
		m.params = make(map[string]Value)
	}
	m.params[key] = v
	return m
}

func (m *Message) SetString(key, s string) *Message        { return m.Set(key, StringValue(s)) }
func (m *Message) SetInt(key string, i int64) *Message     { return m.Set(key, IntValue(i)) }
func (m *Message) SetFloat(key string, f float64) *Message { return m.Set(key, FloatValue(f)) }

// SetBool stores a boolean flag. It travels on the wire as 0 or 1.
func (m *Message) SetBool(key string, b bool) *Message { return m.Set(key, BoolValue(b)) }

// Get returns the raw parameter value.
func (m *Message) Get(key string) (Value, bool) {
	v, ok := m.params[key]
	return v, ok
}

// Has reports whether key is present.
func (m *Message) Has(key string) bool {
	_, ok := m.params[key]
	return ok
}

// Len returns the number of parameters.
func (m *Message) Len() int { return len(m.params) }

// Keys returns the parameter names in sorted order.
func (m *Message) Keys() []string {
	keys := make([]string, 0, len(m.params))
	for k := range m.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Message) lookup(key string, want Kind) (Value, error) {
	v, ok := m.params[key]
	if !ok {
		return Value{}, &ParamError{Command: m.Command, Key: key, Want: want, Err: ErrMissingParam}
	}
	return v, nil
}

func (m *Message) wrongType(key string, want Kind) error {
	return &ParamError{Command: m.Command, Key: key, Want: want, Err: ErrWrongType}
}

// GetString returns a string parameter.
func (m *Message) GetString(key string) (string, error) {
	v, err := m.lookup(key, KindString)
	if err != nil {
		return "", err
	}
	s, ok := v.asString()
	if !ok {
		return "", m.wrongType(key, KindString)
	}
	return s, nil
}

// GetInt returns an integer parameter. Integral floats and decimal strings
// are accepted.
func (m *Message) GetInt(key string) (int64, error) {
	v, err := m.lookup(key, KindInt)
	if err != nil {
		return 0, err
	}
	i, ok := v.asInt()
	if !ok {
		return 0, m.wrongType(key, KindInt)
	}
	return i, nil
}

// GetFloat returns a floating point parameter. Integers and numeric strings
// are accepted.
func (m *Message) GetFloat(key string) (float64, error) {
	v, err := m.lookup(key, KindFloat)
	if err != nil {
		return 0, err
	}
	f, ok := v.asFloat()
	if !ok {
		return 0, m.wrongType(key, KindFloat)
	}
	return f, nil
}

// GetBool returns a boolean flag encoded as true/false, 0/1 or "0"/"1".
func (m *Message) GetBool(key string) (bool, error) {
	v, err := m.lookup(key, KindBool)
	if err != nil {
		return false, err
	}
	b, ok := v.asBool()
	if !ok {
		return false, m.wrongType(key, KindBool)
	}
	return b, nil
}

// StringOr returns the string parameter or def when it is missing or not a string.
func (m *Message) StringOr(key, def string) string {
	if s, err := m.GetString(key); err == nil {
		return s
	}
	return def
}

// FloatOr returns the float parameter or def when it is missing or not numeric.
func (m *Message) FloatOr(key string, def float64) float64 {
	if f, err := m.GetFloat(key); err == nil {
		return f
	}
	return def
}

// Equal reports whether two messages carry the same command, peer and
// parameters. Used by go-cmp.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	if m.Command != o.Command || m.Peer != o.Peer || len(m.params) != len(o.params) {
		return false
	}
	for k, v := range m.params {
		ov, ok := o.params[k]
		if !ok || !v.equal(ov) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := New(m.Command, m.Peer)
	for k, v := range m.params {
		c.params[k] = v
	}
	return c
}

func (m *Message) String() string {
	return fmt.Sprintf("%s from/to %q (%d params)", m.Command, m.Peer, len(m.params))
}
