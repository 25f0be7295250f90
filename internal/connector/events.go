package connector

import "bytes"

// Event is one of the ten proc_event union members.
type Event interface {
	Kind() EventKind
	// Size is the number of bytes the event occupies after the proc_event header.
	Size() int
	emit(b []byte)
}

type eventDecoder func(b []byte) (Event, error)

// eventDecoders is the single dispatch table from what to variant decoder.
var eventDecoders = map[EventKind]eventDecoder{
	EventNone:     decodeAck,
	EventFork:     decodeFork,
	EventExec:     decodeExec,
	EventUID:      decodeUIDChange,
	EventGID:      decodeGIDChange,
	EventSID:      decodeSID,
	EventPtrace:   decodePtrace,
	EventComm:     decodeComm,
	EventCoreDump: decodeCoreDump,
	EventExit:     decodeExit,
}

// Ack is the kernel's reply to a multicast control message.
type Ack struct {
	Err uint32
}

var ackErrField = field{0, 4}

func (Ack) Kind() EventKind { return EventNone }
func (Ack) Size() int { return ackErrField.end }

func (e Ack) emit(b []byte) { ackErrField.putUint32(b, e.Err) }

func decodeAck(b []byte) (Event, error) {
	if err := need("ack event", b, Ack{}.Size()); err != nil {
		return nil, err
	}
	return Ack{Err: ackErrField.uint32(b)}, nil
}

// Fork reports a new task.
type Fork struct {
	ParentPID  uint32
	ParentTGID uint32
	ChildPID   uint32
	ChildTGID  uint32
}

var (
	forkParentPID  = field{0, 4}
	forkParentTGID = field{4, 8}
	forkChildPID   = field{8, 12}
	forkChildTGID  = field{12, 16}
)

func (Fork) Kind() EventKind { return EventFork }
func (Fork) Size() int { return forkChildTGID.end }

func (e Fork) emit(b []byte) {
	forkParentPID.putUint32(b, e.ParentPID)
	forkParentTGID.putUint32(b, e.ParentTGID)
	forkChildPID.putUint32(b, e.ChildPID)
	forkChildTGID.putUint32(b, e.ChildTGID)
}

func decodeFork(b []byte) (Event, error) {
	if err := need("fork event", b, Fork{}.Size()); err != nil {
		return nil, err
	}
	return Fork{
		ParentPID:  forkParentPID.uint32(b),
		ParentTGID: forkParentTGID.uint32(b),
		ChildPID:   forkChildPID.uint32(b),
		ChildTGID:  forkChildTGID.uint32(b),
	}, nil
}

// Exec reports a successful execve.
type Exec struct {
	PID  uint32
	TGID uint32
}

var (
	execPID  = field{0, 4}
	execTGID = field{4, 8}
)

func (Exec) Kind() EventKind { return EventExec }
func (Exec) Size() int { return execTGID.end }

func (e Exec) emit(b []byte) {
	execPID.putUint32(b, e.PID)
	execTGID.putUint32(b, e.TGID)
}

func decodeExec(b []byte) (Event, error) {
	if err := need("exec event", b, Exec{}.Size()); err != nil {
		return nil, err
	}
	return Exec{PID: execPID.uint32(b), TGID: execTGID.uint32(b)}, nil
}

// The uid and gid events share struct id_proc_event.
var (
	idProcessPID  = field{0, 4}
	idProcessTGID = field{4, 8}
	idReal        = field{8, 12}
	idEffective   = field{12, 16}
)

// UIDChange reports a change of real or effective user id.
type UIDChange struct {
	ProcessPID  uint32
	ProcessTGID uint32
	UID         uint32
	EUID        uint32
}

func (UIDChange) Kind() EventKind { return EventUID }
func (UIDChange) Size() int { return idEffective.end }

func (e UIDChange) emit(b []byte) {
	idProcessPID.putUint32(b, e.ProcessPID)
	idProcessTGID.putUint32(b, e.ProcessTGID)
	idReal.putUint32(b, e.UID)
	idEffective.putUint32(b, e.EUID)
}

func decodeUIDChange(b []byte) (Event, error) {
	if err := need("uid event", b, UIDChange{}.Size()); err != nil {
		return nil, err
	}
	return UIDChange{
		ProcessPID:  idProcessPID.uint32(b),
		ProcessTGID: idProcessTGID.uint32(b),
		UID:         idReal.uint32(b),
		EUID:        idEffective.uint32(b),
	}, nil
}

// GIDChange reports a change of real or effective group id.
type GIDChange struct {
	ProcessPID  uint32
	ProcessTGID uint32
	GID         uint32
	EGID        uint32
}

func (GIDChange) Kind() EventKind { return EventGID }
func (GIDChange) Size() int { return idEffective.end }

func (e GIDChange) emit(b []byte) {
	idProcessPID.putUint32(b, e.ProcessPID)
	idProcessTGID.putUint32(b, e.ProcessTGID)
	idReal.putUint32(b, e.GID)
	idEffective.putUint32(b, e.EGID)
}

func decodeGIDChange(b []byte) (Event, error) {
	if err := need("gid event", b, GIDChange{}.Size()); err != nil {
		return nil, err
	}
	return GIDChange{
		ProcessPID:  idProcessPID.uint32(b),
		ProcessTGID: idProcessTGID.uint32(b),
		GID:         idReal.uint32(b),
		EGID:        idEffective.uint32(b),
	}, nil
}

// pid/tgid pair at the start of sid, ptrace, comm events.
var (
	pairPID  = field{0, 4}
	pairTGID = field{4, 8}
)

// SID reports a setsid call.
type SID struct {
	ParentPID  uint32
	ParentTGID uint32
}

func (SID) Kind() EventKind { return EventSID }
func (SID) Size() int { return pairTGID.end }

func (e SID) emit(b []byte) {
	pairPID.putUint32(b, e.ParentPID)
	pairTGID.putUint32(b, e.ParentTGID)
}

func decodeSID(b []byte) (Event, error) {
	if err := need("sid event", b, SID{}.Size()); err != nil {
		return nil, err
	}
	return SID{ParentPID: pairPID.uint32(b), ParentTGID: pairTGID.uint32(b)}, nil
}

// Ptrace reports a tracer attaching to or detaching from a process.
// A zero tracer means detach.
type Ptrace struct {
	ParentPID  uint32
	ParentTGID uint32
	TracerPID  uint32
	TracerTGID uint32
}

var (
	ptraceTracerPID  = field{8, 12}
	ptraceTracerTGID = field{12, 16}
)

func (Ptrace) Kind() EventKind { return EventPtrace }
func (Ptrace) Size() int { return ptraceTracerTGID.end }

func (e Ptrace) emit(b []byte) {
	pairPID.putUint32(b, e.ParentPID)
	pairTGID.putUint32(b, e.ParentTGID)
	ptraceTracerPID.putUint32(b, e.TracerPID)
	ptraceTracerTGID.putUint32(b, e.TracerTGID)
}

func decodePtrace(b []byte) (Event, error) {
	if err := need("ptrace event", b, Ptrace{}.Size()); err != nil {
		return nil, err
	}
	return Ptrace{
		ParentPID:  pairPID.uint32(b),
		ParentTGID: pairTGID.uint32(b),
		TracerPID:  ptraceTracerPID.uint32(b),
		TracerTGID: ptraceTracerTGID.uint32(b),
	}, nil
}

// Comm reports a task renaming itself (prctl PR_SET_NAME or exec).
// Comm holds the kernel bytes verbatim and is not guaranteed to be NUL terminated.
type Comm struct {
	ParentPID  uint32
	ParentTGID uint32
	Comm       [CommLen]byte
}

var commName = field{8, 8 + CommLen}

func (Comm) Kind() EventKind { return EventComm }
func (Comm) Size() int { return commName.end }

// Name returns Comm up to the first NUL byte.
func (e Comm) Name() string {
	if i := bytes.IndexByte(e.Comm[:], 0); i >= 0 {
		return string(e.Comm[:i])
	}
	return string(e.Comm[:])
}

func (e Comm) emit(b []byte) {
	pairPID.putUint32(b, e.ParentPID)
	pairTGID.putUint32(b, e.ParentTGID)
	copy(b[commName.start:commName.end], e.Comm[:])
}

func decodeComm(b []byte) (Event, error) {
	if err := need("comm event", b, Comm{}.Size()); err != nil {
		return nil, err
	}
	e := Comm{
		ParentPID:  pairPID.uint32(b),
		ParentTGID: pairTGID.uint32(b),
	}
	copy(e.Comm[:], b[commName.start:commName.end])
	return e, nil
}

// CoreDump reports a process dumping core.
type CoreDump struct {
	ProcessPID  uint32
	ProcessTGID uint32
	ParentPID   uint32
	ParentTGID  uint32
}

var (
	coreProcessPID  = field{0, 4}
	coreProcessTGID = field{4, 8}
	coreParentPID   = field{8, 12}
	coreParentTGID  = field{12, 16}
)

func (CoreDump) Kind() EventKind { return EventCoreDump }
func (CoreDump) Size() int { return coreParentTGID.end }

func (e CoreDump) emit(b []byte) {
	coreProcessPID.putUint32(b, e.ProcessPID)
	coreProcessTGID.putUint32(b, e.ProcessTGID)
	coreParentPID.putUint32(b, e.ParentPID)
	coreParentTGID.putUint32(b, e.ParentTGID)
}

func decodeCoreDump(b []byte) (Event, error) {
	if err := need("coredump event", b, CoreDump{}.Size()); err != nil {
		return nil, err
	}
	return CoreDump{
		ProcessPID:  coreProcessPID.uint32(b),
		ProcessTGID: coreProcessTGID.uint32(b),
		ParentPID:   coreParentPID.uint32(b),
		ParentTGID:  coreParentTGID.uint32(b),
	}, nil
}

// Exit reports a task exiting.
type Exit struct {
	ProcessPID  uint32
	ProcessTGID uint32
	ExitCode    uint32
	ExitSignal  uint32
	ParentPID   uint32
	ParentTGID  uint32
}

var (
	exitProcessPID  = field{0, 4}
	exitProcessTGID = field{4, 8}
	exitCode        = field{8, 12}
	exitSignal      = field{12, 16}
	exitParentPID   = field{16, 20}
	exitParentTGID  = field{20, 24}
)

func (Exit) Kind() EventKind { return EventExit }
func (Exit) Size() int { return exitParentTGID.end }

func (e Exit) emit(b []byte) {
	exitProcessPID.putUint32(b, e.ProcessPID)
	exitProcessTGID.putUint32(b, e.ProcessTGID)
	exitCode.putUint32(b, e.ExitCode)
	exitSignal.putUint32(b, e.ExitSignal)
	exitParentPID.putUint32(b, e.ParentPID)
	exitParentTGID.putUint32(b, e.ParentTGID)
}

func decodeExit(b []byte) (Event, error) {
	if err := need("exit event", b, Exit{}.Size()); err != nil {
		return nil, err
	}
	return Exit{
		ProcessPID:  exitProcessPID.uint32(b),
		ProcessTGID: exitProcessTGID.uint32(b),
		ExitCode:    exitCode.uint32(b),
		ExitSignal:  exitSignal.uint32(b),
		ParentPID:   exitParentPID.uint32(b),
		ParentTGID:  exitParentTGID.uint32(b),
	}, nil
}
