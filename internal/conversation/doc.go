// Package conversation provides the ordered message log written by the
// transcript assembler and read by the UI boundary, plus an optional
// SQLite history archive for finalized messages.
package conversation
