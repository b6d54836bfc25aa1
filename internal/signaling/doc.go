// Package signaling is the rendezvous relay. Each WebSocket connection gets a
// server-assigned identity; envelopes from one peer are validated, stamped
// with the sender's identity and broadcast to every other peer. A periodic
// liveness sweep evicts peers that stop answering probes.
package signaling
