// Package attributes evaluates expr-lang expressions over decoded process
// events.
//
// Every expression sees the same environment, built by Env:
//
//	kind, cpu, timestamp          every event
//	pid, tgid                     the process the event is about
//	parent_pid, parent_tgid       fork, coredump, exit
//	child_pid, child_tgid         fork
//	uid, euid / gid, egid         uid / gid changes
//	tracer_pid, tracer_tgid       ptrace
//	comm                          comm
//	exit_code, exit_signal        exit
//	errno                         ack
//
// Keys an event does not carry hold their zero value.
//
// Three evaluators:
//   - Filter: boolean expression deciding whether an event is kept
//   - Evaluator: named custom attributes; map results expand to name.key
//   - TraceIDEvaluator: derives a trace ID, hashing results that are not
//     32 hex characters
package attributes
