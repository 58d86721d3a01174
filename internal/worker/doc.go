// Package worker supervises isolated execution contexts for high-rate
// device loops. Each worker runs as a separate OS process with a CBOR
// control channel on stdin/stdout and a binary data stream on fd 3.
// Liveness is tracked with heartbeats on a dedicated per-worker timer;
// failed workers are restarted with exponential backoff up to a ceiling.
package worker
