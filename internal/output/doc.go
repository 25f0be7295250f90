// Package output renders process events.
//
//   - TextFormatter: one human readable line per event
//   - JSONFormatter: one JSON object per line
//   - OTELFormatter: one span per process lifetime, fork to exit, with the
//     process's other events as span events
//
// Formatters receive events that already passed the processor's kind mask
// and filter. Timestamps are converted with timesync; custom attributes
// come from an attributes.Evaluator.
package output
