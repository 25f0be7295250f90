package procmeta

// ProcessMetadata is what is known about one thread group, accumulated
// from its process events.
type ProcessMetadata struct {
	ParentTGID uint32
	Comm       string // empty when unknown
	UID        uint32
	EUID       uint32
	GID        uint32
	EGID       uint32
	// UIDKnown and GIDKnown are set once the ids hold real values.
	UIDKnown bool
	GIDKnown bool
	// ForkObserved is false for processes that predate tracing.
	ForkObserved bool
	Execs        int
	CoreDumped   bool
}
