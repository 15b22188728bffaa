// Package engine implements the control loop. Each tick it refreshes the
// balance snapshot, consults the health breaker, dispatches the opportunity
// providers in their fixed order, and folds the tick's failures back into the
// breaker and the fee policy before sleeping.
package engine
