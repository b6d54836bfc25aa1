package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// ReceivedAtField is the key the relay adds to detection payloads before
// rebroadcast. The value is milliseconds since the Unix epoch.
const ReceivedAtField = "received-at"

// Detection is one labelled bounding box. Coordinates are normalized to [0,1].
type Detection struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
	Xmin  float64 `json:"xmin"`
	Ymin  float64 `json:"ymin"`
	Xmax  float64 `json:"xmax"`
	Ymax  float64 `json:"ymax"`
}

// DetectionFrameResult is one frame's object-detection output.
type DetectionFrameResult struct {
	FrameID     FrameID     `json:"frame_id"`
	CaptureTS   int64       `json:"capture_ts"`
	InferenceTS int64       `json:"inference_ts"`
	Detections  []Detection `json:"detections"`

	// ReceivedAt is set by the relay; zero when the result did not pass through it.
	ReceivedAt int64 `json:"received-at,omitempty"`
}

func (r DetectionFrameResult) MarshalJSON() ([]byte, error) {
	type plain DetectionFrameResult
	if r.Detections == nil {
		r.Detections = []Detection{}
	}
	return json.Marshal(plain(r))
}

// UnmarshalJSON accepts fractional millisecond timestamps, as produced by
// browser clocks, and truncates them.
func (r *DetectionFrameResult) UnmarshalJSON(b []byte) error {
	type plain DetectionFrameResult
	var aux struct {
		plain
		CaptureTS   json.Number `json:"capture_ts"`
		InferenceTS json.Number `json:"inference_ts"`
		ReceivedAt  json.Number `json:"received-at"`
	}
	if err := json.Unmarshal(b, &aux); err != nil {
		return err
	}
	out := DetectionFrameResult(aux.plain)
	var err error
	if out.CaptureTS, err = ParseMillis(aux.CaptureTS); err != nil {
		return fmt.Errorf("capture_ts: %w", err)
	}
	if out.InferenceTS, err = ParseMillis(aux.InferenceTS); err != nil {
		return fmt.Errorf("inference_ts: %w", err)
	}
	if out.ReceivedAt, err = ParseMillis(aux.ReceivedAt); err != nil {
		return fmt.Errorf("%s: %w", ReceivedAtField, err)
	}
	*r = out
	return nil
}

// ParseMillis converts a JSON number of milliseconds to int64, truncating any
// fractional part. An empty number is zero.
func ParseMillis(n json.Number) (int64, error) {
	if n == "" {
		return 0, nil
	}
	if v, err := n.Int64(); err == nil {
		return v, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0, fmt.Errorf("timestamp %s out of range", n)
	}
	return int64(f), nil
}

// DecodeDetection validates raw and decodes it. Wrapped payloads are unwrapped
// first.
func DecodeDetection(raw json.RawMessage) (DetectionFrameResult, error) {
	raw = UnwrapDetection(raw)
	if err := Validate(raw); err != nil {
		return DetectionFrameResult{}, err
	}
	var out DetectionFrameResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return DetectionFrameResult{}, fmt.Errorf("decode detection: %w", err)
	}
	return out, nil
}

// MaxUnwrapDepth bounds how many wrapper objects are peeled off a payload.
// Some relays double-wrap payloads.
const MaxUnwrapDepth = 3

var wrapperKeys = []string{"payload", "data", "signal"}

// Unwrap descends through wrapper objects ("payload", "data", "signal") until
// it reaches an object containing any of the wanted keys, at most
// MaxUnwrapDepth levels below raw. It returns that object and true, or raw and
// false when no level carries a wanted key.
func Unwrap(raw json.RawMessage, wanted ...string) (json.RawMessage, bool) {
	cur := raw
	for depth := 0; depth <= MaxUnwrapDepth; depth++ {
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(cur, &obj); err != nil {
			return raw, false
		}
		for _, k := range wanted {
			if _, ok := obj[k]; ok {
				return cur, true
			}
		}
		next, ok := innerObject(obj)
		if !ok {
			return raw, false
		}
		cur = next
	}
	return raw, false
}

func innerObject(obj map[string]json.RawMessage) (json.RawMessage, bool) {
	for _, k := range wrapperKeys {
		v, ok := obj[k]
		if ok && isObject(v) {
			return v, true
		}
	}
	return nil, false
}

// UnwrapDetection returns the innermost detection object in raw, or raw itself.
func UnwrapDetection(raw json.RawMessage) json.RawMessage {
	inner, _ := Unwrap(raw, "frame_id", "detections")
	return inner
}

// HasSignalShape reports whether a handshake signal carries a session
// description, a type, or a candidate after unwrapping, and returns the
// unwrapped signal.
func HasSignalShape(raw json.RawMessage) (json.RawMessage, bool) {
	return Unwrap(raw, "sdp", "type", "candidate")
}

// Stamp returns a copy of the detection object raw with ReceivedAtField set to
// receivedAt. raw is not modified.
func Stamp(raw json.RawMessage, receivedAt int64) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("stamp detection: %w", err)
	}
	if obj == nil {
		return nil, fmt.Errorf("stamp detection: payload is not an object")
	}
	ts, err := json.Marshal(receivedAt)
	if err != nil {
		return nil, err
	}
	obj[ReceivedAtField] = ts
	return json.Marshal(obj)
}
