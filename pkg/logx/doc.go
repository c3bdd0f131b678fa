// Package logx is conductor's structured logging: a zerolog logger passed by
// value, typed field helpers, and a Service that owns the console and file
// sinks.
package logx
