// Package breaker tracks recent transaction failures, gates risk-bearing
// actions on every tick, and owns the process-wide kill switch. The kill
// switch only ever moves from running to halted.
package breaker
