// Package protocol defines the JSON envelope exchanged between peers and the
// relay, and the validation rules applied to detection payloads.
package protocol
