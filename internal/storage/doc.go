// Package storage persists drained failure records so operators can inspect
// why the breaker tripped after the process has stopped. Records can be kept
// in memory, appended to a JSON Lines file, or written to MySQL or SQLite
// through a shared set of embedded migrations.
package storage
