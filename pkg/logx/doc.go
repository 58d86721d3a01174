// Package logx configures rtcore's structured logging.
//
// The repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, size-rotated via lumberjack
package logx
