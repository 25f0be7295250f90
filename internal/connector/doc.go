// Package connector encodes and decodes kernel connector messages and the
// process events (cn_proc) protocol carried inside them.
//
// Wire layout, all integers in host byte order:
//
//	struct cn_msg (20 bytes)
//	┌────────┬────────┬────────┬────────┬──────┬───────┐
//	│ idx  4 │ val  4 │ seq  4 │ ack  4 │ len 2│ flags2│ data...
//	└────────┴────────┴────────┴────────┴──────┴───────┘
//
//	data, proc event (16 byte header + union member)
//	┌─────────┬────────┬──────────────┬──────────────────────┐
//	│ what  4 │ cpu  4 │ timestamp  8 │ fork/exec/.../exit   │
//	└─────────┴────────┴──────────────┴──────────────────────┘
//
//	data, control message: a single u32 (listen = 1, ignore = 2)
//
// Decode never reads past the buffer it is given: Buffer and EventBuffer
// check their length once and every variant decoder checks its own size.
// Messages whose idx is not IdxProc decode to Other, which keeps only the
// header; re-encoding such a message therefore writes the header alone.
//
// The package does no I/O; see the transport and handle packages.
package connector
