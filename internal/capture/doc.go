// Package capture runs audio capture sessions and the consumers that turn
// captured audio into an energy signal.
//
// A Session owns the bounded buffer for as long as it is capturing. Its tick
// pulls PCM from a source.Source, appends it to the buffer and routes the
// source's angle telemetry through hysteresis trackers. A Consumer reads the
// buffer on its own cadence and feeds an energy.Extractor. Both tick on a
// sched.Periodic, so neither ever blocks the other: backlog between them is
// absorbed and bled off by the buffer's eviction policies.
//
// Listeners are called synchronously on the goroutine that produced the
// event and must not call Start or Stop on the same session.
package capture
