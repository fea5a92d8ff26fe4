// Package logx configures modkit's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Optional event-bus sink (min-level + rate limiting) so hosts can
//     surface warnings from any execution context as regular events
package logx
