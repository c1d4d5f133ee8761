package producer

import (
	"encoding/json"
	"fmt"
	"sync"
)

// MorselKind tags the payload type carried by a Morsel so it can be decoded
// with the right codec after a restart.
type MorselKind string

// Payload is implemented by every concrete morsel payload.
type Payload interface {
	MorselKind() MorselKind
}

// Morsel is an opaque, serializable unit of resumable scan state. The payload
// is kept in its encoded form so RunState can be persisted and restored without
// the store knowing the concrete payload types.
type Morsel struct {
	Kind    MorselKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Equal reports whether two morsels carry the same kind and encoded payload.
func (m Morsel) Equal(o Morsel) bool {
	return m.Kind == o.Kind && string(m.Payload) == string(o.Payload)
}

// Codec encodes and decodes the payload for one morsel kind.
type Codec interface {
	Encode(p Payload) ([]byte, error)
	Decode(data []byte, into any) error
}

// JSONCodec is the default codec; payloads round-trip through encoding/json.
type JSONCodec struct{}

func (JSONCodec) Encode(p Payload) ([]byte, error) { return json.Marshal(p) }

func (JSONCodec) Decode(data []byte, into any) error { return json.Unmarshal(data, into) }

var (
	codecsMu sync.RWMutex
	codecs   = map[MorselKind]Codec{}
)

// RegisterCodec installs the codec used for kind. Kinds without a registered
// codec use JSONCodec.
func RegisterCodec(kind MorselKind, c Codec) {
	codecsMu.Lock()
	defer codecsMu.Unlock()
	codecs[kind] = c
}

func codecFor(kind MorselKind) Codec {
	codecsMu.RLock()
	defer codecsMu.RUnlock()
	if c, ok := codecs[kind]; ok {
		return c
	}
	return JSONCodec{}
}

// Wrap encodes p into a Morsel tagged with its kind.
func Wrap[T Payload](p T) (Morsel, error) {
	kind := p.MorselKind()
	if kind == "" {
		return Morsel{}, fmt.Errorf("morsel payload %T has empty kind", p)
	}
	data, err := codecFor(kind).Encode(p)
	if err != nil {
		return Morsel{}, fmt.Errorf("encoding %s morsel: %w", kind, err)
	}
	return Morsel{Kind: kind, Payload: data}, nil
}

// Unwrap decodes m into a T. It fails if the morsel's kind does not match
// the kind T reports. T must be a value type whose MorselKind has a value
// receiver.
func Unwrap[T Payload](m Morsel) (T, error) {
	var out T
	if want := out.MorselKind(); m.Kind != want {
		return out, fmt.Errorf("morsel kind mismatch: got %q, want %q", m.Kind, want)
	}
	if err := codecFor(m.Kind).Decode(m.Payload, &out); err != nil {
		return out, fmt.Errorf("decoding %s morsel: %w", m.Kind, err)
	}
	return out, nil
}
