package procmeta

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrzor/proc-connector/internal/connector"
)

func commBytes(s string) [connector.CommLen]byte {
	var b [connector.CommLen]byte
	copy(b[:], s)
	return b
}

func observe(m *Manager, events ...connector.Event) bool {
	var exited bool
	for _, ev := range events {
		exited = m.Observe(connector.ProcEvent{Event: ev})
	}
	return exited
}

func TestManager_ForkInheritsParent(t *testing.T) {
	m := NewManager()

	observe(m,
		connector.Comm{ParentPID: 10, ParentTGID: 10, Comm: commBytes("bash")},
		connector.UIDChange{ProcessPID: 10, ProcessTGID: 10, UID: 1000, EUID: 1000},
		connector.Fork{ParentPID: 10, ParentTGID: 10, ChildPID: 11, ChildTGID: 11},
	)

	child, ok := m.Get(11)
	require.True(t, ok)
	assert.Equal(t, ProcessMetadata{
		ParentTGID:   10,
		Comm:         "bash",
		UID:          1000,
		EUID:         1000,
		UIDKnown:     true,
		ForkObserved: true,
	}, child)

	parent, ok := m.Get(10)
	require.True(t, ok)
	assert.False(t, parent.ForkObserved)
}

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager()

	assert.False(t, observe(m,
		connector.Fork{ParentPID: 1, ParentTGID: 1, ChildPID: 20, ChildTGID: 20},
		connector.Exec{PID: 20, TGID: 20},
		connector.GIDChange{ProcessPID: 20, ProcessTGID: 20, GID: 50, EGID: 51},
		connector.Fork{ParentPID: 20, ParentTGID: 20, ChildPID: 21, ChildTGID: 20},
		connector.CoreDump{ProcessPID: 21, ProcessTGID: 20},
		connector.Exit{ProcessPID: 21, ProcessTGID: 20},
	))
	assert.Equal(t, 1, m.Len())

	md, ok := m.Get(20)
	require.True(t, ok)
	assert.Equal(t, 1, md.Execs)
	assert.Empty(t, md.Comm, "comm is unknown after exec without procfs")
	assert.Equal(t, uint32(51), md.EGID)
	assert.True(t, md.GIDKnown)
	assert.True(t, md.CoreDumped)

	assert.True(t, observe(m, connector.Exit{ProcessPID: 20, ProcessTGID: 20, ParentTGID: 1}))
	m.Delete(20)

	_, ok = m.Get(20)
	assert.False(t, ok)
}

func TestManager_PIDReuse(t *testing.T) {
	m := NewManager()

	observe(m,
		connector.Fork{ParentPID: 1, ParentTGID: 1, ChildPID: 30, ChildTGID: 30},
		connector.Comm{ParentPID: 30, ParentTGID: 30, Comm: commBytes("old")},
		connector.Fork{ParentPID: 2, ParentTGID: 2, ChildPID: 30, ChildTGID: 30},
	)

	md, ok := m.Get(30)
	require.True(t, ok)
	assert.Equal(t, uint32(2), md.ParentTGID)
	assert.Empty(t, md.Comm)
	assert.Equal(t, []string{"pid 30 reused before its exit was observed"}, m.GetIssues(30))
}

func TestManager_AddIssue(t *testing.T) {
	m := NewManager()

	m.AddIssue(1234, "issue 1")
	m.AddIssue(1234, "issue 2")

	assert.Equal(t, []string{"issue 1", "issue 2"}, m.GetIssues(1234))

	m.Delete(1234)
	assert.Nil(t, m.GetIssues(1234))
}

func TestManager_GetNonExistent(t *testing.T) {
	m := NewManager()

	_, ok := m.Get(9999)
	assert.False(t, ok)
}

func writeProc(t *testing.T, root string, pid, comm, status string) {
	t.Helper()

	dir := filepath.Join(root, pid)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "comm"), []byte(comm+"\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o600))
}

func TestManager_SeedsFromProcFS(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "40", "nginx",
		"Name:\tnginx\nTgid:\t40\nPid:\t40\nPPid:\t1\nUid:\t33\t33\t33\t33\nGid:\t34\t35\t34\t34\n")

	fs, err := procfs.NewFS(root)
	require.NoError(t, err)
	m := NewManager(WithProcFS(fs))

	// First sight of a process that predates tracing.
	observe(m,
		connector.Ptrace{ParentPID: 40, ParentTGID: 40, TracerPID: 99, TracerTGID: 99},
		connector.SID{ParentPID: 40, ParentTGID: 40},
	)

	md, ok := m.Get(40)
	require.True(t, ok)
	assert.Equal(t, ProcessMetadata{
		ParentTGID: 1,
		Comm:       "nginx",
		UID:        33,
		EUID:       33,
		GID:        34,
		EGID:       35,
		UIDKnown:   true,
		GIDKnown:   true,
	}, md)
	assert.Empty(t, m.GetIssues(40))
}

func TestManager_ExecRefreshesComm(t *testing.T) {
	root := t.TempDir()
	writeProc(t, root, "50", "python3",
		"Name:\tpython3\nTgid:\t50\nPid:\t50\nPPid:\t1\nUid:\t0\t0\t0\t0\nGid:\t0\t0\t0\t0\n")

	fs, err := procfs.NewFS(root)
	require.NoError(t, err)
	m := NewManager(WithProcFS(fs))

	observe(m,
		connector.Fork{ParentPID: 1, ParentTGID: 1, ChildPID: 50, ChildTGID: 50},
		connector.Comm{ParentPID: 50, ParentTGID: 50, Comm: commBytes("sh")},
		connector.Exec{PID: 50, TGID: 50},
	)

	md, ok := m.Get(50)
	require.True(t, ok)
	assert.Equal(t, "python3", md.Comm)
}

func TestManager_SeedFailureIsAnIssue(t *testing.T) {
	fs, err := procfs.NewFS(t.TempDir())
	require.NoError(t, err)
	m := NewManager(WithProcFS(fs))

	observe(m, connector.UIDChange{ProcessPID: 60, ProcessTGID: 60, UID: 5, EUID: 5})

	md, ok := m.Get(60)
	require.True(t, ok)
	assert.Equal(t, uint32(5), md.UID)
	issues := m.GetIssues(60)
	require.Len(t, issues, 1)
	assert.Contains(t, issues[0], "metadata unavailable")
}
