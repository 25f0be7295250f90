package procmeta

import (
	"fmt"
	"sync"

	"github.com/prometheus/procfs"

	"github.com/mrzor/proc-connector/internal/connector"
)

// Manager tracks process metadata by thread group ID.
// It provides command-query separation for metadata access.
type Manager struct {
	mu            sync.RWMutex
	metadata      map[uint32]*ProcessMetadata // TGID -> process metadata
	captureIssues map[uint32][]string         // TGID -> list of warnings/issues

	fs    procfs.FS
	hasFS bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithProcFS fills in metadata of processes that predate tracing, and the
// command name after exec, from fs.
func WithProcFS(fs procfs.FS) Option {
	return func(m *Manager) {
		m.fs = fs
		m.hasFS = true
	}
}

// NewManager creates a new process metadata manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		metadata:      make(map[uint32]*ProcessMetadata),
		captureIssues: make(map[uint32][]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get returns a copy of the metadata for tgid (query).
func (m *Manager) Get(tgid uint32) (ProcessMetadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.metadata[tgid]
	if !ok {
		return ProcessMetadata{}, false
	}
	return *md, true
}

// GetIssues retrieves the capture issues for tgid (query).
func (m *Manager) GetIssues(tgid uint32) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.captureIssues[tgid]
}

// Len returns the number of tracked thread groups (query).
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.metadata)
}

// AddIssue adds a capture issue for tgid (command).
func (m *Manager) AddIssue(tgid uint32, issue string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.captureIssues[tgid] = append(m.captureIssues[tgid], issue)
}

// Delete removes all data for tgid (command).
// This should be called when a thread group leader exits.
func (m *Manager) Delete(tgid uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metadata, tgid)
	delete(m.captureIssues, tgid)
}

// Observe updates the metadata of the process ev is about (command).
// It returns whether ev ends the thread group, in which case the caller
// deletes it once done with the metadata.
func (m *Manager) Observe(ev connector.ProcEvent) (exited bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch e := ev.Event.(type) {
	case connector.Fork:
		if e.ChildPID != e.ChildTGID {
			m.getOrCreate(e.ChildTGID)
			return false
		}
		m.observeFork(e)
	case connector.Exec:
		md := m.getOrCreate(e.TGID)
		md.Execs++
		md.Comm = ""
		if m.hasFS {
			if comm, err := m.readComm(e.TGID); err == nil {
				md.Comm = comm
			}
		}
	case connector.UIDChange:
		md := m.getOrCreate(e.ProcessTGID)
		md.UID, md.EUID = e.UID, e.EUID
		md.UIDKnown = true
	case connector.GIDChange:
		md := m.getOrCreate(e.ProcessTGID)
		md.GID, md.EGID = e.GID, e.EGID
		md.GIDKnown = true
	case connector.SID:
		m.getOrCreate(e.ParentTGID)
	case connector.Ptrace:
		m.getOrCreate(e.ParentTGID)
	case connector.Comm:
		m.getOrCreate(e.ParentTGID).Comm = e.Name()
	case connector.CoreDump:
		m.getOrCreate(e.ProcessTGID).CoreDumped = true
	case connector.Exit:
		if e.ProcessPID != e.ProcessTGID {
			return false
		}
		if md, ok := m.metadata[e.ProcessTGID]; ok && md.ParentTGID == 0 {
			md.ParentTGID = e.ParentTGID
		}
		return true
	}
	return false
}

// observeFork creates the child's entry. The child inherits its parent's
// command name and credentials.
func (m *Manager) observeFork(e connector.Fork) {
	if _, ok := m.metadata[e.ChildTGID]; ok {
		m.captureIssues[e.ChildTGID] = []string{fmt.Sprintf("pid %d reused before its exit was observed", e.ChildTGID)}
	} else {
		delete(m.captureIssues, e.ChildTGID)
	}

	child := &ProcessMetadata{ParentTGID: e.ParentTGID, ForkObserved: true}
	if parent, ok := m.metadata[e.ParentTGID]; ok {
		child.Comm = parent.Comm
		child.UID, child.EUID = parent.UID, parent.EUID
		child.GID, child.EGID = parent.GID, parent.EGID
		child.UIDKnown, child.GIDKnown = parent.UIDKnown, parent.GIDKnown
	}
	m.metadata[e.ChildTGID] = child
}

// getOrCreate retrieves metadata for tgid, creating it if it doesn't exist.
// New entries for processes that predate tracing are seeded from procfs.
func (m *Manager) getOrCreate(tgid uint32) *ProcessMetadata {
	if md, ok := m.metadata[tgid]; ok {
		return md
	}

	md := &ProcessMetadata{}
	if m.hasFS {
		if err := m.seed(tgid, md); err != nil {
			m.captureIssues[tgid] = append(m.captureIssues[tgid], err.Error())
		}
	}
	m.metadata[tgid] = md
	return md
}

func (m *Manager) seed(tgid uint32, md *ProcessMetadata) error {
	proc, err := m.fs.Proc(int(tgid))
	if err != nil {
		return fmt.Errorf("metadata unavailable: %w", err)
	}

	if comm, err := proc.Comm(); err == nil {
		md.Comm = comm
	}

	status, err := proc.NewStatus()
	if err != nil {
		return fmt.Errorf("metadata unavailable: %w", err)
	}
	md.ParentTGID = uint32(status.PPid) //nolint:gosec // pids fit in uint32
	md.UID = uint32(status.UIDs[0])     //nolint:gosec // ids fit in uint32
	md.EUID = uint32(status.UIDs[1])    //nolint:gosec // ids fit in uint32
	md.GID = uint32(status.GIDs[0])     //nolint:gosec // ids fit in uint32
	md.EGID = uint32(status.GIDs[1])    //nolint:gosec // ids fit in uint32
	md.UIDKnown, md.GIDKnown = true, true
	return nil
}

func (m *Manager) readComm(tgid uint32) (string, error) {
	proc, err := m.fs.Proc(int(tgid))
	if err != nil {
		return "", err
	}
	return proc.Comm()
}
