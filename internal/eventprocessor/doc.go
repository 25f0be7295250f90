// Package eventprocessor routes decoded proc connector messages to an
// output handler.
//
//	┌─────────────────────────────────────────┐
//	│   handle.Subscribe (decoded messages)   │
//	└─────────────────┬───────────────────────┘
//	                  │
//	                  ▼
//	┌─────────────────────────────────────────┐
//	│   eventprocessor                        │
//	│   - Routes by payload                   │
//	│   - Counts every message                │
//	└─────────┬───────────────────────────────┘
//	          │
//	          ├──→ Other ──────────→ dropped (foreign connector)
//	          │
//	          ├──→ Listen/Ignore ──→ dropped (control)
//	          │
//	          └──→ ProcEvent ──────→ procmeta.Manager (every event)
//	                                 → kind mask
//	                                 → attributes.Filter
//	                                 → EventHandler
//
// The EventHandler is typically an output formatter.
package eventprocessor
