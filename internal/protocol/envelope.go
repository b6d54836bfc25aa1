package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Type discriminates the Envelope tagged union.
type Type string

const (
	TypeIdentityAssignment Type = "identity-assignment"
	TypeRoleDeclaration    Type = "role-declaration"
	TypeHandshakeSignal    Type = "handshake-signal"
	TypeChat               Type = "chat"
	TypeDetection          Type = "detection"
	TypeTelemetry          Type = "telemetry"
	TypeLivenessProbe      Type = "liveness-probe"
	TypeLivenessResponse   Type = "liveness-response"
	TypeError              Type = "error"
)

// ServerOnly reports whether only the relay may originate envelopes of type t.
func (t Type) ServerOnly() bool {
	return t == TypeIdentityAssignment || t == TypeError
}

func (t Type) known() bool {
	switch t {
	case TypeIdentityAssignment, TypeRoleDeclaration, TypeHandshakeSignal, TypeChat,
		TypeDetection, TypeTelemetry, TypeLivenessProbe, TypeLivenessResponse, TypeError:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleInitiator Role = "initiator"
	RoleReceiver  Role = "receiver"
)

func (r Role) Valid() bool {
	return r == RoleInitiator || r == RoleReceiver
}

// ErrorCodeInvalidDetection is the error envelope code for rejected detections.
const ErrorCodeInvalidDetection = "invalid_detection"

// Envelope is the wire unit exchanged over the signaling socket.
type Envelope struct {
	Type    Type            `json:"type"`
	From    string          `json:"from,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type IdentityAssignment struct {
	ID string `json:"id"`
}

type RoleDeclaration struct {
	Role Role `json:"role"`
}

type Chat struct {
	Text string `json:"text"`
}

type Liveness struct {
	TS int64 `json:"ts,omitempty"`
}

type ErrorPayload struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// TelemetrySample is an observation timestamp labelled by its measurement
// point, used for offline latency reconstruction.
type TelemetrySample struct {
	FrameID FrameID `json:"frame_id"`
	Point   string  `json:"point"`
	TS      int64   `json:"ts"`
}

func (s *TelemetrySample) UnmarshalJSON(b []byte) error {
	type plain TelemetrySample
	var aux struct {
		plain
		TS json.Number `json:"ts"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	ts, err := ParseMillis(aux.TS)
	if err != nil {
		return fmt.Errorf("ts: %w", err)
	}
	*s = TelemetrySample(aux.plain)
	s.TS = ts
	return nil
}

const PointOverlayDisplayed = "overlay-displayed"

// FrameID is a caller-chosen frame identifier. The wire form may be a string
// or a number; it is always carried as a string in Go.
type FrameID string

func (f *FrameID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return errors.New("frame_id must not be null")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FrameID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("frame_id must be a string or number: %w", err)
	}
	*f = FrameID(n.String())
	return nil
}

var (
	ErrMalformed   = errors.New("protocol: malformed envelope")
	ErrUnknownType = errors.New("protocol: unknown envelope type")
	ErrBadPayload  = errors.New("protocol: payload does not match envelope type")
)

// ParseEnvelope decodes data as an Envelope and checks that the payload has
// the shape declared by its type. Detection payloads are only checked for
// being JSON objects here; Validate applies the detection rules.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := decodeStrict(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if bytes.Equal(bytes.TrimSpace(env.Payload), []byte("null")) {
		env.Payload = nil
	}
	if !env.Type.known() {
		return Envelope{}, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
	if err := env.checkShape(); err != nil {
		return Envelope{}, fmt.Errorf("%w: %s: %v", ErrBadPayload, env.Type, err)
	}
	return env, nil
}

func (e Envelope) checkShape() error {
	switch e.Type {
	case TypeIdentityAssignment:
		var p IdentityAssignment
		if err := decodeStrict(e.Payload, &p); err != nil {
			return err
		}
		if p.ID == "" {
			return errors.New("missing id")
		}
	case TypeRoleDeclaration:
		var p RoleDeclaration
		if err := decodeStrict(e.Payload, &p); err != nil {
			return err
		}
		if !p.Role.Valid() {
			return fmt.Errorf("invalid role %q", p.Role)
		}
	case TypeChat:
		var p Chat
		if err := decodeStrict(e.Payload, &p); err != nil {
			return err
		}
	case TypeHandshakeSignal, TypeDetection:
		if !isObject(e.Payload) {
			return errors.New("payload must be a JSON object")
		}
	case TypeTelemetry:
		var p struct {
			FrameID *FrameID `json:"frame_id"`
			Point   *string  `json:"point"`
			TS      *float64 `json:"ts"`
		}
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		if p.FrameID == nil || p.Point == nil || p.TS == nil {
			return errors.New("telemetry requires frame_id, point and ts")
		}
	case TypeLivenessProbe, TypeLivenessResponse:
		if len(e.Payload) == 0 {
			return nil
		}
		var p Liveness
		if err := decodeStrict(e.Payload, &p); err != nil {
			return err
		}
	case TypeError:
		var p ErrorPayload
		if err := decodeStrict(e.Payload, &p); err != nil {
			return err
		}
		if p.Code == "" {
			return errors.New("missing code")
		}
	}
	return nil
}

// NewEnvelope marshals payload into an Envelope of type t. A nil payload
// produces an envelope without a payload field.
func NewEnvelope(t Type, payload any) (Envelope, error) {
	env := Envelope{Type: t}
	if payload == nil {
		return env, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		env.Payload = raw
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	env.Payload = b
	return env, nil
}

// Encode marshals an envelope of type t with payload.
func Encode(t Type, payload any) ([]byte, error) {
	env, err := NewEnvelope(t, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// DecodePayload strictly decodes the envelope payload into v.
func (e Envelope) DecodePayload(v any) error {
	return decodeStrict(e.Payload, v)
}

func decodeStrict(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{' && json.Valid(raw)
}
