package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"
)

// CommandKey is the reserved JSON key carrying the command name.
const CommandKey = "command"

var (
	// ErrMalformedPayload matches every *MalformedPayloadError.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrEmptyCommand is returned by Encode for a message without a command.
	ErrEmptyCommand = errors.New("message has no command")
	// ErrReservedKey is returned by Encode when a parameter shadows the command key.
	ErrReservedKey = errors.New("parameter uses reserved key \"command\"")
	// ErrNonFinite is returned by Encode for NaN or infinite float parameters.
	ErrNonFinite = errors.New("non-finite float parameter")
)

// MalformedPayloadError describes a datagram that could not be decoded.
type MalformedPayloadError struct {
	Peer   string
	Size   int
	Reason string
	Err    error
}

func (e *MalformedPayloadError) Error() string {
	msg := fmt.Sprintf("malformed payload from %q (%d bytes): %s", e.Peer, e.Size, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedPayloadError) Unwrap() error { return e.Err }

func (e *MalformedPayloadError) Is(target error) bool { return target == ErrMalformedPayload }

// Encode serialises m as a single flat JSON object. Keys are sorted so the
// output is deterministic. Floats always carry a decimal point or exponent so
// they decode back as floats; booleans are written as 0 or 1.
func Encode(m *Message) ([]byte, error) {
	if m == nil || m.Command == "" {
		return nil, ErrEmptyCommand
	}

	obj := make(map[string]json.RawMessage, len(m.params)+1)
	cmd, err := json.Marshal(m.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}
	obj[CommandKey] = cmd

	for k, v := range m.params {
		if k == CommandKey {
			return nil, fmt.Errorf("%s: %w", m.Command, ErrReservedKey)
		}
		raw, err := encodeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: parameter %q: %w", m.Command, k, err)
		}
		obj[k] = raw
	}

	return json.Marshal(obj)
}

func encodeValue(v Value) (json.RawMessage, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.s)
	case KindInt:
		return strconv.AppendInt(nil, v.i, 10), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, ErrNonFinite
		}
		s := strconv.FormatFloat(v.f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return json.RawMessage(s), nil
	case KindBool:
		if v.b {
			return json.RawMessage("1"), nil
		}
		return json.RawMessage("0"), nil
	default:
		return nil, fmt.Errorf("invalid value kind %d", v.kind)
	}
}

// Decode parses one datagram payload received from peer.
func Decode(data []byte, peer string) (*Message, error) {
	malformed := func(reason string, err error) error {
		return &MalformedPayloadError{Peer: peer, Size: len(data), Reason: reason, Err: err}
	}

	if !utf8.Valid(data) {
		return nil, malformed("invalid utf-8", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, malformed("not a json object", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, malformed("trailing data after object", nil)
	}
	if raw == nil {
		return nil, malformed("null payload", nil)
	}

	cmdRaw, ok := raw[CommandKey]
	if !ok {
		return nil, malformed("missing command", nil)
	}
	cmd, ok := cmdRaw.(string)
	if !ok || cmd == "" {
		return nil, malformed("command must be a non-empty string", nil)
	}

	m := New(cmd, peer)
	for k, x := range raw {
		if k == CommandKey {
			continue
		}
		switch t := x.(type) {
		case string:
			m.params[k] = StringValue(t)
		case bool:
			m.params[k] = BoolValue(t)
		case json.Number:
			m.params[k] = decodeNumber(t)
		default:
			return nil, malformed(fmt.Sprintf("parameter %q is not a scalar", k), nil)
		}
	}
	return m, nil
}

func decodeNumber(n json.Number) Value {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return IntValue(i)
		}
	}
	// json.Number is always a valid JSON number, so this cannot fail except
	// on overflow, where ParseFloat still yields ±Inf. Clamp to the finite range.
	f, _ := n.Float64()
	if math.IsInf(f, 1) {
		f = math.MaxFloat64
	} else if math.IsInf(f, -1) {
		f = -math.MaxFloat64
	}
	return FloatValue(f)
}
