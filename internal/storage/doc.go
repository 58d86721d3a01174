package storage

// Package storage provides a minimal persistence layer for the daemon.
//
// It currently supports:
//   - Task run history appends (per-run timing and outcome)
//   - Worker lifecycle event appends (state transitions with cause)
