// Package recorder journals realtime events to PostgreSQL.
//
// A Recorder subscribes as an ordinary data listener, buffers events in a
// bounded ring buffer and batch-inserts them into the realtime_events table.
// Inserts are append-only; replays of the same row id are ignored.
package recorder
