// Package sched runs periodic tasks on dedicated goroutines.
//
// A task never overlaps itself. After each run the next one is scheduled at
// interval minus the time the run took, or immediately when the run overran;
// missed runs are never queued.
package sched
