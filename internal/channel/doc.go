// Package channel holds the two IPC primitives between the supervisor and
// an isolated worker:
//
//   - Control: low-rate, bidirectional request/reply with correlation ids
//     (length-prefixed CBOR frames, at-most-once delivery).
//   - Ring: high-rate, one-directional bounded data queue with a
//     drop-oldest overflow policy.
package channel
