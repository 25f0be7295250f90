package attributes

import (
	"github.com/mrzor/proc-connector/internal/connector"
)

// Field is one named value of a decoded event.
type Field struct {
	Key   string
	Value any
}

// EventFields returns the fields of ev in wire order.
// Integer fields are uint32 and the command name is a string.
func EventFields(ev connector.Event) []Field {
	switch e := ev.(type) {
	case connector.Ack:
		return []Field{{"errno", e.Err}}
	case connector.Fork:
		return []Field{
			{"parent_pid", e.ParentPID},
			{"parent_tgid", e.ParentTGID},
			{"child_pid", e.ChildPID},
			{"child_tgid", e.ChildTGID},
		}
	case connector.Exec:
		return []Field{{"pid", e.PID}, {"tgid", e.TGID}}
	case connector.UIDChange:
		return []Field{{"pid", e.ProcessPID}, {"tgid", e.ProcessTGID}, {"uid", e.UID}, {"euid", e.EUID}}
	case connector.GIDChange:
		return []Field{{"pid", e.ProcessPID}, {"tgid", e.ProcessTGID}, {"gid", e.GID}, {"egid", e.EGID}}
	case connector.SID:
		return []Field{{"pid", e.ParentPID}, {"tgid", e.ParentTGID}}
	case connector.Ptrace:
		return []Field{
			{"pid", e.ParentPID},
			{"tgid", e.ParentTGID},
			{"tracer_pid", e.TracerPID},
			{"tracer_tgid", e.TracerTGID},
		}
	case connector.Comm:
		return []Field{{"pid", e.ParentPID}, {"tgid", e.ParentTGID}, {"comm", e.Name()}}
	case connector.CoreDump:
		return []Field{
			{"pid", e.ProcessPID},
			{"tgid", e.ProcessTGID},
			{"parent_pid", e.ParentPID},
			{"parent_tgid", e.ParentTGID},
		}
	case connector.Exit:
		return []Field{
			{"pid", e.ProcessPID},
			{"tgid", e.ProcessTGID},
			{"exit_code", e.ExitCode},
			{"exit_signal", e.ExitSignal},
			{"parent_pid", e.ParentPID},
			{"parent_tgid", e.ParentTGID},
		}
	default:
		return nil
	}
}

// Subject returns the process an event is about: the child for fork,
// the process itself otherwise.
func Subject(ev connector.Event) (pid, tgid uint32, ok bool) {
	switch e := ev.(type) {
	case connector.Fork:
		return e.ChildPID, e.ChildTGID, true
	case connector.Exec:
		return e.PID, e.TGID, true
	case connector.UIDChange:
		return e.ProcessPID, e.ProcessTGID, true
	case connector.GIDChange:
		return e.ProcessPID, e.ProcessTGID, true
	case connector.SID:
		return e.ParentPID, e.ParentTGID, true
	case connector.Ptrace:
		return e.ParentPID, e.ParentTGID, true
	case connector.Comm:
		return e.ParentPID, e.ParentTGID, true
	case connector.CoreDump:
		return e.ProcessPID, e.ProcessTGID, true
	case connector.Exit:
		return e.ProcessPID, e.ProcessTGID, true
	default:
		return 0, 0, false
	}
}

// envKeys lists every key Env may set, with its zero value, so that
// expressions type-check regardless of the event kind.
var envKeys = map[string]any{
	"kind":        "",
	"cpu":         uint32(0),
	"timestamp":   uint64(0),
	"errno":       uint32(0),
	"pid":         uint32(0),
	"tgid":        uint32(0),
	"parent_pid":  uint32(0),
	"parent_tgid": uint32(0),
	"child_pid":   uint32(0),
	"child_tgid":  uint32(0),
	"uid":         uint32(0),
	"euid":        uint32(0),
	"gid":         uint32(0),
	"egid":        uint32(0),
	"tracer_pid":  uint32(0),
	"tracer_tgid": uint32(0),
	"comm":        "",
	"exit_code":   uint32(0),
	"exit_signal": uint32(0),
}

// Env builds the expression environment for ev. Keys the event does not
// carry hold their zero value. For fork, pid and tgid are the child's.
func Env(ev connector.ProcEvent) map[string]any {
	env := make(map[string]any, len(envKeys))
	for k, v := range envKeys {
		env[k] = v
	}

	env["kind"] = ev.Event.Kind().String()
	env["cpu"] = ev.CPU
	env["timestamp"] = ev.Timestamp
	if pid, tgid, ok := Subject(ev.Event); ok {
		env["pid"] = pid
		env["tgid"] = tgid
	}
	for _, f := range EventFields(ev.Event) {
		env[f.Key] = f.Value
	}
	return env
}
