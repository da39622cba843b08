// Package logx configures conduction's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps console output
// readable, file output JSON-structured, and offers an optional chat channel
// sink (min-level + rate limiting) for operator-facing warnings.
package logx
