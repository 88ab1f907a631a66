package event

import (
	"fmt"
	"strings"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/outbox/errs"
)

// Decoder turns a stored payload back into its typed form.
type Decoder func(data []byte) (Payload, error)

// RawPayload carries payloads whose type has no registered decoder.
type RawPayload struct {
	Kind Type
	Data json.RawMessage
}

// EventType implements Payload.
func (p RawPayload) EventType() Type { return p.Kind }

// MarshalJSON emits the raw bytes unchanged so re-encoding is lossless.
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

// Registry maps event types to payload decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[Type]Decoder
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{decoders: make(map[Type]Decoder)}
}

// Register associates a decoder with the event type. Each type may be registered once.
func (r *Registry) Register(typ Type, decoder Decoder) error {
	if r == nil {
		return errs.New("event registry", errs.CodeInvalid, errs.WithMessage("registry required"))
	}
	normalized := Type(strings.TrimSpace(string(typ)))
	if normalized == "" {
		return errs.New("event registry", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if decoder == nil {
		return errs.New("event registry", errs.CodeInvalid, errs.WithMessage("decoder required"), errs.WithField("event_type", string(normalized)))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.decoders == nil {
		r.decoders = make(map[Type]Decoder)
	}
	if _, exists := r.decoders[normalized]; exists {
		return errs.New("event registry", errs.CodeConflict, errs.WithMessage("decoder already registered"), errs.WithField("event_type", string(normalized)))
	}
	r.decoders[normalized] = decoder
	return nil
}

// RegisterJSON registers a JSON decoder for payload type T. The event type is read from the zero
// value of T, so EventType must not depend on field values.
func RegisterJSON[T Payload](r *Registry) error {
	var zero T
	typ := zero.EventType()
	return r.Register(typ, func(data []byte) (Payload, error) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", typ, err)
		}
		return payload, nil
	})
}

// Registered reports whether a decoder exists for typ.
func (r *Registry) Registered(typ Type) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.decoders[typ]
	return ok
}

// Decode converts stored bytes into a typed payload. Unregistered types yield RawPayload.
func (r *Registry) Decode(typ Type, data []byte) (Payload, error) {
	var decoder Decoder
	if r != nil {
		r.mu.RLock()
		decoder = r.decoders[typ]
		r.mu.RUnlock()
	}
	if decoder == nil {
		raw := make(json.RawMessage, len(data))
		copy(raw, data)
		return RawPayload{Kind: typ, Data: raw}, nil
	}
	payload, err := decoder(data)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("decode %s payload: decoder returned nil", typ)
	}
	return payload, nil
}

// Encode serialises a payload for storage.
func Encode(payload Payload) (json.RawMessage, error) {
	if payload == nil {
		return nil, fmt.Errorf("encode payload: nil payload")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", payload.EventType(), err)
	}
	return json.RawMessage(data), nil
}
