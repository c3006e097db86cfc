// Package progress implements the event schema and the non-blocking hub that
// fans ingestion updates out to delivery sinks (rooms, logs, metrics).
package progress
