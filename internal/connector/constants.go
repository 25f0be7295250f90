package connector

import "fmt"

// Connector identifiers for the process events source, from <linux/connector.h>.
const (
	IdxProc uint32 = 0x1
	ValProc uint32 = 0x1
)

// NetlinkTypeDone is the netlink message type connector messages travel with.
const NetlinkTypeDone uint16 = 0x3

// Wire sizes in bytes.
const (
	HeaderLen      = 20 // struct cn_msg without data
	EventHeaderLen = 16 // what, cpu, timestamp_ns
	McastOpLen     = 4  // enum proc_cn_mcast_op
	CommLen        = 16 // TASK_COMM_LEN
)

// McastOp is the control value sent to subscribe to or unsubscribe from proc events.
type McastOp uint32

// Multicast control operations.
const (
	McastListen McastOp = 1
	McastIgnore McastOp = 2
)

// EventKind is the proc_event.what discriminator.
type EventKind uint32

// Event kinds, from <linux/cn_proc.h>. The values are bit flags so the kernel
// can use them as a mask; on the wire exactly one is set.
//
//nolint:revive // Names follow PROC_EVENT_*.
const (
	EventNone     EventKind = 0x00000000
	EventFork     EventKind = 0x00000001
	EventExec     EventKind = 0x00000002
	EventUID      EventKind = 0x00000004
	EventGID      EventKind = 0x00000040
	EventSID      EventKind = 0x00000080
	EventPtrace   EventKind = 0x00000100
	EventComm     EventKind = 0x00000200
	EventCoreDump EventKind = 0x40000000
	EventExit     EventKind = 0x80000000
)

var eventKindNames = map[EventKind]string{
	EventNone:     "ack",
	EventFork:     "fork",
	EventExec:     "exec",
	EventUID:      "uid",
	EventGID:      "gid",
	EventSID:      "sid",
	EventPtrace:   "ptrace",
	EventComm:     "comm",
	EventCoreDump: "coredump",
	EventExit:     "exit",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%#x)", uint32(k))
}

// ParseEventKind returns the kind whose String is name.
func ParseEventKind(name string) (EventKind, bool) {
	for k, n := range eventKindNames {
		if n == name {
			return k, true
		}
	}
	return 0, false
}

func (op McastOp) String() string {
	switch op {
	case McastListen:
		return "listen"
	case McastIgnore:
		return "ignore"
	default:
		return fmt.Sprintf("unknown(%d)", uint32(op))
	}
}
