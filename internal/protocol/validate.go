package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Rejection describes why a detection payload failed validation. Index is the
// offending detection's position, or -1 for frame-level fields.
type Rejection struct {
	Field  string
	Index  int
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

// ErrorPayload converts the rejection into the error envelope payload sent
// back to the sender.
func (r *Rejection) ErrorPayload() ErrorPayload {
	return ErrorPayload{Code: ErrorCodeInvalidDetection, Reason: r.Reason}
}

func reject(field string, format string, args ...any) *Rejection {
	return &Rejection{Field: field, Index: -1, Reason: fmt.Sprintf(format, args...)}
}

func rejectAt(i int, field string, format string, args ...any) *Rejection {
	return &Rejection{
		Field:  field,
		Index:  i,
		Reason: fmt.Sprintf("detections[%d].", i) + fmt.Sprintf(format, args...),
	}
}

// Validate checks a detection payload. Rules are applied in order and the
// first failure is returned as a *Rejection; a nil error means the payload is
// acceptable. The payload is rejected wholesale, never repaired.
func Validate(payload json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return reject("payload", "payload is not valid JSON: %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return reject("payload", "payload must be a JSON object")
	}

	switch id := obj["frame_id"].(type) {
	case string:
		if id == "" {
			return reject("frame_id", "frame_id is required")
		}
	case json.Number:
	case nil:
		return reject("frame_id", "frame_id is required")
	default:
		return reject("frame_id", "frame_id must be a string or number")
	}

	if _, ok := number(obj["capture_ts"]); !ok {
		return reject("capture_ts", "capture_ts must be numeric")
	}
	if _, ok := number(obj["inference_ts"]); !ok {
		return reject("inference_ts", "inference_ts must be numeric")
	}

	dets, ok := obj["detections"].([]any)
	if !ok {
		return reject("detections", "detections must be an array")
	}
	for i, d := range dets {
		if err := validateDetection(i, d); err != nil {
			return err
		}
	}
	return nil
}

var boxFields = [...]string{"xmin", "ymin", "xmax", "ymax"}

func validateDetection(i int, v any) *Rejection {
	det, ok := v.(map[string]any)
	if !ok {
		return &Rejection{Field: "detections", Index: i, Reason: fmt.Sprintf("detections[%d] must be an object", i)}
	}
	if label, ok := det["label"].(string); !ok || label == "" {
		return rejectAt(i, "label", "label must be a non-empty string")
	}
	if score, ok := number(det["score"]); !ok || !unit(score) {
		return rejectAt(i, "score", "score must be a number in [0,1]")
	}

	var box [4]float64
	for j, name := range boxFields {
		f, ok := number(det[name])
		if !ok || !unit(f) {
			return rejectAt(i, name, "%s must be a number in [0,1]", name)
		}
		box[j] = f
	}
	if box[0] >= box[2] {
		return rejectAt(i, "xmin", "xmin must be less than xmax")
	}
	if box[1] >= box[3] {
		return rejectAt(i, "ymin", "ymin must be less than ymax")
	}
	return nil
}

func number(v any) (float64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

func unit(f float64) bool {
	return f >= 0 && f <= 1
}
